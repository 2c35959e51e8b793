package worker

import (
	"context"

	"github.com/google/uuid"
)

// PoolEnqueuer 不经过消息队列，直接投递到本地池
type PoolEnqueuer struct {
	Pool *Pool
}

// Enqueue 生成任务 ID 并异步提交
func (e PoolEnqueuer) Enqueue(_ context.Context, archivePath string) (string, error) {
	id := uuid.New().String()
	if err := e.Pool.Submit(&Job{ID: id, ArchivePath: archivePath}); err != nil {
		return "", err
	}
	return id, nil
}
