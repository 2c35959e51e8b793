package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/decompiler"
	"github.com/jar-analysis/jar-analysis-go/internal/fixture"
	"github.com/jar-analysis/jar-analysis-go/internal/repository"
	"github.com/jar-analysis/jar-analysis-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type runnerFunc func(ctx context.Context, job *Job) error

func (f runnerFunc) Run(ctx context.Context, job *Job) error { return f(ctx, job) }

func TestPool_SubmitAndWait(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(2, 4, runnerFunc(func(_ context.Context, job *Job) error {
		if job.ID == "bad" {
			return boom
		}
		return nil
	}), testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	assert.NoError(t, pool.SubmitAndWait(context.Background(), &Job{ID: "ok"}))
	assert.ErrorIs(t, pool.SubmitAndWait(context.Background(), &Job{ID: "bad"}), boom)
}

func TestPool_SubmitRunsAllJobs(t *testing.T) {
	var done int32
	var mu sync.Mutex
	var maxActive int
	pool := NewPool(3, 10, runnerFunc(func(context.Context, *Job) error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil
	}), testLogger())
	pool.OnStats(func(size, active, _ int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 3, size)
		if active > maxActive {
			maxActive = active
		}
	})
	pool.Start(context.Background())

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(&Job{ID: "j"}))
	}
	pool.Stop()

	assert.Equal(t, int32(6), atomic.LoadInt32(&done))
	assert.Zero(t, pool.ActiveWorkers())
	mu.Lock()
	assert.LessOrEqual(t, maxActive, 3)
	mu.Unlock()
}

func TestPool_QueueFullAndStopped(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, runnerFunc(func(context.Context, *Job) error {
		<-release
		return nil
	}), testLogger())
	pool.Start(context.Background())

	require.NoError(t, pool.Submit(&Job{ID: "running"}))
	require.Eventually(t, func() bool { return pool.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(&Job{ID: "queued"}))
	assert.ErrorIs(t, pool.Submit(&Job{ID: "overflow"}), ErrQueueFull)

	close(release)
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(&Job{ID: "late"}), ErrPoolStopped)
}

// obfuscatedDecompiler 为 demo.Secret 输出一段 Allatori 风格的代码
type obfuscatedDecompiler struct{}

func (obfuscatedDecompiler) Name() string { return "stub" }

func (obfuscatedDecompiler) Decompile(_ context.Context, _ []byte, hint string, _ decompiler.Options) string {
	if hint == "demo.Secret" {
		return "class Secret {\n    String t = a(new char[]{72, 0x69, '!'});\n    void f() { emit(t); }\n}\n"
	}
	return "class " + hint + " {}\n"
}

// cancellingDecompiler 在反编译时取消任务上下文
type cancellingDecompiler struct {
	cancel context.CancelFunc
}

func (cancellingDecompiler) Name() string { return "stub" }

func (d cancellingDecompiler) Decompile(_ context.Context, _ []byte, hint string, _ decompiler.Options) string {
	d.cancel()
	return "class " + hint + " {}\n"
}

func newSessions(t *testing.T, d decompiler.Decompiler) service.SessionService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	sessions := service.NewSessionService(service.Dependencies{
		Decompilers: decompiler.NewRegistry(d),
		Archives:    repository.NewArchiveRepository(db),
		Patches:     repository.NewPatchRepository(db),
		Reports:     repository.NewRecoveryReportRepository(db),
		Workers:     2,
		Logger:      testLogger(),
	})
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })
	return sessions
}

func TestAnalyzer_Analyze(t *testing.T) {
	sessions := newSessions(t, obfuscatedDecompiler{})
	out := filepath.Join(t.TempDir(), "reports")
	analyzer := NewAnalyzer(sessions, out, testLogger())

	summary, err := analyzer.Analyze(context.Background(), &Job{ID: "job-1", ArchivePath: fixture.SampleJar(t)})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Classes)
	assert.Equal(t, 2, summary.Decompiled)
	assert.NotZero(t, summary.Findings["demo.Secret"])
	assert.NotContains(t, summary.Findings, "demo.Plain")
	assert.Empty(t, summary.Failed)

	// 会话保持打开
	_, err = sessions.Get(summary.SessionID)
	require.NoError(t, err)

	data, err := os.ReadFile(analyzer.SummaryPath("job-1"))
	require.NoError(t, err)
	var written Summary
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, summary.SessionID, written.SessionID)
}

func TestAnalyzer_RunThroughPool(t *testing.T) {
	sessions := newSessions(t, obfuscatedDecompiler{})
	pool := NewPool(1, 2, NewAnalyzer(sessions, "", testLogger()), testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	err := pool.SubmitAndWait(context.Background(), &Job{ID: "missing", ArchivePath: filepath.Join(t.TempDir(), "nope.jar")})
	require.Error(t, err)
	assert.Empty(t, sessions.List())

	require.NoError(t, pool.SubmitAndWait(context.Background(), &Job{ID: "ok", ArchivePath: fixture.SampleJar(t)}))
	assert.Len(t, sessions.List(), 1)
}

func TestAnalyzer_FailedJobClosesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessions := newSessions(t, cancellingDecompiler{cancel: cancel})
	analyzer := NewAnalyzer(sessions, "", testLogger())

	_, err := analyzer.Analyze(ctx, &Job{ID: "job-cancel", ArchivePath: fixture.SampleJar(t)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sessions.List())
}
