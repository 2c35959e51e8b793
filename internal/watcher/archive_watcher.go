package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ArchiveHandler 新归档处理函数
type ArchiveHandler func(ctx context.Context, archivePath string) error

// Options 监控参数，零值使用默认
type Options struct {
	Pattern      string        // 文件匹配模式，默认 "*.jar"
	Debounce     time.Duration // 同一文件事件合并窗口，默认 2s
	PollInterval time.Duration // 等待写入完成时的采样间隔，默认 500ms
	MaxPolls     int           // 最多采样次数，默认 10
}

// ArchiveWatcher 监控入站目录，新归档写入完成后交给 handler
type ArchiveWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  ArchiveHandler
	logger   *logrus.Logger

	fired    chan string // 防抖到期的文件
	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewArchiveWatcher 创建监控器，目录不存在时自动创建
func NewArchiveWatcher(watchDir string, opts Options, handler ArchiveHandler, logger *logrus.Logger) (*ArchiveWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.jar"
	}
	if _, err := filepath.Match(opts.Pattern, "x"); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 10
	}

	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("Archive watcher created")

	return &ArchiveWatcher{
		watcher:  w,
		watchDir: watchDir,
		opts:     opts,
		handler:  handler,
		logger:   logger,
		fired:    make(chan string, 16),
		inFlight: make(map[string]bool),
		stopChan: make(chan struct{}),
	}, nil
}

// Start 启动事件循环；启动前已存在的文件不会处理
func (aw *ArchiveWatcher) Start(ctx context.Context) {
	aw.wg.Add(1)
	go aw.eventLoop(ctx)
	aw.logger.Info("Archive watcher started")
}

// eventLoop 防抖计时器只在本 goroutine 中读写
func (aw *ArchiveWatcher) eventLoop(ctx context.Context) {
	defer aw.wg.Done()
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-aw.stopChan:
			return
		case event, ok := <-aw.watcher.Events:
			if !ok {
				aw.logger.Warn("Watcher events channel closed")
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !aw.Matches(filepath.Base(event.Name)) {
				continue
			}

			aw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("Archive event detected")

			name := event.Name
			if t, ok := timers[name]; ok {
				t.Stop()
			}
			timers[name] = time.AfterFunc(aw.opts.Debounce, func() {
				select {
				case aw.fired <- name:
				case <-aw.stopChan:
				}
			})

		case name := <-aw.fired:
			delete(timers, name)
			aw.dispatch(ctx, name)

		case err, ok := <-aw.watcher.Errors:
			if !ok {
				aw.logger.Warn("Watcher errors channel closed")
				return
			}
			aw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (aw *ArchiveWatcher) dispatch(ctx context.Context, path string) {
	aw.mu.Lock()
	if aw.inFlight[path] {
		aw.mu.Unlock()
		aw.logger.WithField("file", path).Debug("Archive is already being processed")
		return
	}
	aw.inFlight[path] = true
	aw.mu.Unlock()

	aw.wg.Add(1)
	go func() {
		defer aw.wg.Done()
		defer func() {
			aw.mu.Lock()
			delete(aw.inFlight, path)
			aw.mu.Unlock()
		}()
		aw.handleArchive(ctx, path)
	}()
}

func (aw *ArchiveWatcher) handleArchive(ctx context.Context, path string) {
	if err := aw.waitForFileReady(ctx, path); err != nil {
		aw.logger.WithError(err).WithField("file", path).Error("Archive not ready")
		return
	}

	aw.logger.WithField("file", path).Info("Processing archive")
	if err := aw.handler(ctx, path); err != nil {
		aw.logger.WithError(err).WithField("file", path).Error("Failed to process archive")
		return
	}
	aw.logger.WithField("file", path).Info("Archive processed successfully")
}

// waitForFileReady 连续两次采样大小一致且非空视为写入完成
func (aw *ArchiveWatcher) waitForFileReady(ctx context.Context, path string) error {
	var last int64 = -1
	for i := 0; i < aw.opts.MaxPolls; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-aw.stopChan:
			return fmt.Errorf("watcher stopped")
		case <-time.After(aw.opts.PollInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", aw.opts.MaxPolls)
}

// Matches 文件名是否匹配模式（不区分大小写）
func (aw *ArchiveWatcher) Matches(fileName string) bool {
	ok, _ := filepath.Match(strings.ToLower(aw.opts.Pattern), strings.ToLower(fileName))
	return ok
}

// Stop 停止监控并等待进行中的处理结束，可重复调用
func (aw *ArchiveWatcher) Stop() error {
	var err error
	aw.stopOnce.Do(func() {
		aw.logger.Info("Stopping archive watcher")
		close(aw.stopChan)
		err = aw.watcher.Close()
		aw.wg.Wait()
	})
	return err
}

// WatchDir 监控目录
func (aw *ArchiveWatcher) WatchDir() string {
	return aw.watchDir
}
