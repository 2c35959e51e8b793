package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/jar-analysis/jar-analysis-go/internal/decompiler"
	"github.com/jar-analysis/jar-analysis-go/internal/recovery"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version 命令行版本
var Version = "1.0.0"

var (
	configPath string
	verbose    bool
)

// Env 一次命令执行所需的服务
type Env struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Sessions service.SessionService
	close    func()
}

// Close 释放会话与数据库连接
func (e *Env) Close() {
	e.Sessions.Shutdown(context.Background())
	if e.close != nil {
		e.close()
	}
}

// EnvFactory 构造 Env，测试中替换
type EnvFactory func(stderr io.Writer) (*Env, error)

// NewEnv 默认实现：读配置、连数据库、按配置注册反编译器和还原引擎
func NewEnv(stderr io.Writer) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !verbose {
		cfg.Log.Level = "warn"
	} else {
		cfg.Log.Level = "debug"
	}
	logger := config.NewLogger(&cfg.Log, stderr)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	decompilers, err := decompiler.NewRegistryFromConfig(cfg.Decompiler, logger)
	if err != nil {
		return nil, err
	}
	pipeline, err := recovery.DefaultPipeline().Select(cfg.Recovery.Engines...)
	if err != nil {
		return nil, err
	}

	sessions := service.NewSessionService(service.Dependencies{
		Decompilers: decompilers,
		Pipeline:    pipeline,
		Archives:    repository.NewArchiveRepository(db),
		Patches:     repository.NewPatchRepository(db),
		Reports:     repository.NewRecoveryReportRepository(db),
		Workers:     cfg.Worker.Concurrency,
		Logger:      logger,
	})
	return &Env{
		Config:   cfg,
		Logger:   logger,
		Sessions: sessions,
		close: func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		},
	}, nil
}

// NewRootCommand 构造 jarscope 命令树
func NewRootCommand(factory EnvFactory) *cobra.Command {
	if factory == nil {
		factory = NewEnv
	}
	root := &cobra.Command{
		Use:   "jarscope",
		Short: "Inspect, decompile and patch JVM class archives",
		Long: `jarscope opens a .jar/.zip archive, lists and decompiles its classes,
applies small bytecode patches and recovers obfuscated string literals.

Patched archives are written with --out; the input archive is never modified.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (defaults and JARSCOPE_* env when empty)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		classesCmd(factory),
		decompileCmd(factory),
		disasmCmd(factory),
		usagesCmd(factory),
		recoverCmd(factory),
		patchCmd(factory),
		analyzeCmd(factory),
	)
	return root
}

// Execute 入口
func Execute() {
	if err := NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withSession 打开归档，执行 fn 后关闭会话
func withSession(cmd *cobra.Command, factory EnvFactory, archivePath string, fn func(ctx context.Context, env *Env, sessionID string) error) error {
	env, err := factory(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := env.Sessions.Open(ctx, archivePath)
	if err != nil {
		return err
	}
	return fn(ctx, env, session.ID)
}
