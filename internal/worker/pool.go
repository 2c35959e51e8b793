package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("job queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Job 一次归档分析任务
type Job struct {
	ID          string
	ArchivePath string
	resultCh    chan error // 用于同步等待任务完成
}

// Runner 执行单个任务
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// StatsFunc 池状态变化回调（总数、活跃数、排队数）
type StatsFunc func(size, active, queued int)

// Pool Worker 池
type Pool struct {
	workers int
	jobs    chan *Job
	runner  Runner
	logger  *logrus.Logger
	onStats StatsFunc

	wg      sync.WaitGroup
	active  int32
	mu      sync.RWMutex
	stopped bool
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, runner Runner, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan *Job, queueSize),
		runner:  runner,
		logger:  logger,
	}
}

// OnStats 注册状态回调，需在 Start 之前调用
func (p *Pool) OnStats(fn StatsFunc) {
	p.onStats = fn
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobs:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Job channel closed, worker exiting")
				return
			}
			p.run(ctx, id, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, job *Job) {
	atomic.AddInt32(&p.active, 1)
	p.reportStats()
	defer func() {
		atomic.AddInt32(&p.active, -1)
		p.reportStats()
	}()

	fields := logrus.Fields{
		"worker_id":    workerID,
		"job_id":       job.ID,
		"archive_path": job.ArchivePath,
	}
	p.logger.WithFields(fields).Info("Processing job")

	err := p.runner.Run(ctx, job)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Job failed")
	} else {
		p.logger.WithFields(fields).Info("Job completed successfully")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

func (p *Pool) reportStats() {
	if p.onStats != nil {
		p.onStats(p.workers, p.ActiveWorkers(), p.QueueSize())
	}
}

// enqueue 在读锁下投递，避免与 Stop 关闭通道竞争
func (p *Pool) enqueue(ctx context.Context, job *Job, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	if !block {
		select {
		case p.jobs <- job:
		default:
			return ErrQueueFull
		}
	} else {
		select {
		case p.jobs <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
	p.reportStats()
	return nil
}

// Submit 提交任务（异步，不等待结果），队列满时返回 ErrQueueFull
func (p *Pool) Submit(job *Job) error {
	return p.enqueue(context.Background(), job, false)
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)
	if err := p.enqueue(ctx, job, true); err != nil {
		return fmt.Errorf("submit job %s: %w", job.ID, err)
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务，等待已排队的任务执行完，可重复调用
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 排队中的任务数
func (p *Pool) QueueSize() int {
	return len(p.jobs)
}

// ActiveWorkers 正在执行任务的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}
