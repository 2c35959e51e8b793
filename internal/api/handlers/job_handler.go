package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jar-analysis/jar-analysis-go/internal/worker"
	"github.com/sirupsen/logrus"
)

// Enqueuer 把归档交给后台分析（本地 Worker 池或 RabbitMQ）
type Enqueuer interface {
	Enqueue(ctx context.Context, archivePath string) (string, error)
}

// JobHandler 批量分析任务处理器
type JobHandler struct {
	enqueuer Enqueuer
	logger   *logrus.Logger
}

// NewJobHandler 创建任务处理器实例
func NewJobHandler(enqueuer Enqueuer, logger *logrus.Logger) *JobHandler {
	return &JobHandler{
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Submit 提交归档分析任务
// POST /api/jobs {"path": "/data/app.jar"}
func (h *JobHandler) Submit(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.enqueuer.Enqueue(c.Request.Context(), req.Path)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrPoolStopped) {
			status = http.StatusServiceUnavailable
		}
		h.logger.WithError(err).WithField("path", req.Path).Error("Failed to enqueue job")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"path":   req.Path,
	})
}
