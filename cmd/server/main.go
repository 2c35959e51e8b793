package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/api"
	"github.com/jar-analysis/jar-analysis-go/internal/api/handlers"
	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/jar-analysis/jar-analysis-go/internal/decompiler"
	"github.com/jar-analysis/jar-analysis-go/internal/middleware"
	"github.com/jar-analysis/jar-analysis-go/internal/queue"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/jar-analysis/jar-analysis-go/internal/watcher"
	"github.com/jar-analysis/jar-analysis-go/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = api.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("JAR Analysis Server\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting JAR Analysis Server %s", Version)
	if configPath == "" {
		logger.Info("No config file found, using defaults and environment")
	} else {
		logger.Infof("Config loaded from: %s", configPath)
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	// 5. 反编译器与字符串还原
	decompilers, err := decompiler.NewRegistryFromConfig(cfg.Decompiler, logger)
	if err != nil {
		logger.Fatalf("Failed to configure decompilers: %v", err)
	}
	pipeline, err := recovery.DefaultPipeline().Select(cfg.Recovery.Engines...)
	if err != nil {
		logger.Fatalf("Failed to configure recovery engines: %v", err)
	}

	// 6. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "jar_analysis")
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, 1024)
	memMonitor.OnUpdate(promMetrics.UpdateMemoryStats)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 7. 会话服务
	hub := handlers.NewEventHub(logger)
	sessions := service.NewSessionService(service.Dependencies{
		Decompilers: decompilers,
		Pipeline:    pipeline,
		Archives:    repository.NewArchiveRepository(db),
		Patches:     repository.NewPatchRepository(db),
		Reports:     repository.NewRecoveryReportRepository(db),
		Metrics:     promMetrics,
		Events:      hub,
		Workers:     cfg.Worker.Concurrency,
		Logger:      logger,
	})
	logger.WithFields(logrus.Fields{
		"decompilers": decompilers.Names(),
		"recovery":    pipeline.Engines(),
	}).Info("Session service initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. 批量分析 Worker 池
	analyzer := worker.NewAnalyzer(sessions, cfg.Workspace.OutputDir, logger)
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, analyzer, logger)
	pool.OnStats(promMetrics.UpdateWorkerPoolStats)
	pool.Start(ctx)

	var enqueuer handlers.Enqueuer = worker.PoolEnqueuer{Pool: pool}

	// 9. RabbitMQ（可选）：任务先入队，再由消费者提交到 Worker 池
	var (
		broker   *queue.Broker
		consumer *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		broker, err = queue.DialBroker(ctx, cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		consumer = queue.NewConsumer(broker, createJobHandler(pool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		enqueuer = queue.NewProducer(broker, logger)
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ job queue enabled")
	}

	// 10. 入站目录监控（可选）
	var archiveWatcher *watcher.ArchiveWatcher
	if cfg.Watcher.Enabled {
		archiveWatcher, err = watcher.NewArchiveWatcher(
			cfg.Watcher.InboundDir,
			watcher.Options{Pattern: cfg.Watcher.Pattern},
			createArchiveHandler(enqueuer, logger),
			logger,
		)
		if err != nil {
			logger.Fatalf("Failed to create archive watcher: %v", err)
		}
		archiveWatcher.Start(ctx)
		logger.Infof("Archive watcher started for directory: %s", cfg.Watcher.InboundDir)
	}

	// 11. HTTP Server
	router := api.SetupRouter(api.RouterDeps{
		Config:      cfg,
		Logger:      logger,
		Sessions:    sessions,
		Hub:         hub,
		MemMonitor:  memMonitor,
		PromMetrics: promMetrics,
		Jobs:        enqueuer,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Minute,
		WriteTimeout: 5 * time.Minute, // 大归档反编译较慢
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 12. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 先停止入口，再排空 Worker 池
	if archiveWatcher != nil {
		archiveWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	if broker != nil {
		broker.Close()
	}

	drained := make(chan struct{})
	go func() {
		pool.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("Timeout waiting for worker pool, cancelling running jobs")
		cancel()
		<-drained
	}

	sessions.Shutdown(shutdownCtx)

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.Close()
	}
	logger.Info("Server stopped")
}

// createJobHandler RabbitMQ 消息提交到 Worker 池并等待完成，完成后消息才被确认
func createJobHandler(pool *worker.Pool, logger *logrus.Logger) queue.Handler {
	return func(ctx context.Context, msg *queue.AnalysisMessage) error {
		logger.WithFields(logrus.Fields{
			"job_id":       msg.JobID,
			"archive_path": msg.ArchivePath,
		}).Info("Received job from RabbitMQ, submitting to worker pool")

		return pool.SubmitAndWait(ctx, &worker.Job{
			ID:          msg.JobID,
			ArchivePath: msg.ArchivePath,
		})
	}
}

// createArchiveHandler 入站目录中的新归档交给分析管线
func createArchiveHandler(enqueuer handlers.Enqueuer, logger *logrus.Logger) watcher.ArchiveHandler {
	return func(ctx context.Context, archivePath string) error {
		jobID, err := enqueuer.Enqueue(ctx, archivePath)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", archivePath, err)
		}
		logger.WithFields(logrus.Fields{
			"job_id":       jobID,
			"archive_path": archivePath,
		}).Info("Inbound archive queued for analysis")
		return nil
	}
}
