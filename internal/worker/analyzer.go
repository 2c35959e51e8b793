package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
)

// Summary 一次批量分析的结果，写入输出目录
type Summary struct {
	JobID       string         `json:"job_id"`
	SessionID   string         `json:"session_id"`
	ArchivePath string         `json:"archive_path"`
	Classes     int            `json:"classes"`
	Decompiled  int            `json:"decompiled"`
	Findings    map[string]int `json:"findings"` // 类名 -> 还原出的字符串数
	Failed      []string       `json:"failed,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// Analyzer 批量分析：打开归档、全部反编译、逐类还原字符串
// 会话保持打开，可继续通过 API 浏览和改写
type Analyzer struct {
	sessions  service.SessionService
	outputDir string
	logger    *logrus.Logger
}

// NewAnalyzer outputDir 为空时不写摘要文件
func NewAnalyzer(sessions service.SessionService, outputDir string, logger *logrus.Logger) *Analyzer {
	return &Analyzer{
		sessions:  sessions,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Run 实现 Runner
func (a *Analyzer) Run(ctx context.Context, job *Job) error {
	_, err := a.Analyze(ctx, job)
	return err
}

// Analyze 执行分析并返回摘要
func (a *Analyzer) Analyze(ctx context.Context, job *Job) (*Summary, error) {
	summary := &Summary{
		JobID:       job.ID,
		ArchivePath: job.ArchivePath,
		Findings:    make(map[string]int),
		StartedAt:   time.Now().UTC(),
	}

	session, err := a.sessions.Open(ctx, job.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	summary.SessionID = session.ID

	// 失败的任务不保留会话
	completed := false
	defer func() {
		if completed {
			return
		}
		if err := a.sessions.Close(context.Background(), session.ID); err != nil {
			a.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to close session")
		}
	}()

	if summary.Decompiled, err = a.sessions.DecompileAll(ctx, session.ID); err != nil {
		return nil, fmt.Errorf("decompile archive: %w", err)
	}

	classes, err := a.sessions.Classes(session.ID)
	if err != nil {
		return nil, err
	}
	summary.Classes = len(classes)

	for _, name := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := a.sessions.Recover(ctx, session.ID, name)
		if err != nil {
			a.logger.WithError(err).WithFields(logrus.Fields{
				"job_id": job.ID,
				"class":  name,
			}).Warn("String recovery failed")
			summary.Failed = append(summary.Failed, name)
			continue
		}
		if len(res.Findings) > 0 {
			summary.Findings[name] = len(res.Findings)
		}
	}
	completed = true
	sort.Strings(summary.Failed)
	summary.DurationMs = time.Since(summary.StartedAt).Milliseconds()

	if err := a.writeSummary(summary); err != nil {
		return summary, err
	}

	a.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"session_id": session.ID,
		"classes":    summary.Classes,
		"with_hits":  len(summary.Findings),
		"duration":   summary.DurationMs,
	}).Info("Archive analysis completed")
	return summary, nil
}

func (a *Analyzer) writeSummary(summary *Summary) error {
	if a.outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(a.outputDir, summary.JobID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// SummaryPath 任务摘要文件路径
func (a *Analyzer) SummaryPath(jobID string) string {
	return filepath.Join(a.outputDir, jobID+".json")
}
