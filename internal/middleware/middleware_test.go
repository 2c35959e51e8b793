package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免重复注册
	namespace := "test_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/sessions/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, path := range []string{"/api/sessions/a", "/api/sessions/b", "/nope"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	// 路由模板作为标签，避免会话 ID 造成高基数
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/sessions/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestRecordArchiveAndSessions(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordArchiveOpened(nil)
	pm.RecordArchiveOpened(nil)
	pm.RecordArchiveOpened(errors.New("not a zip"))
	pm.RecordSessionClosed()

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.archiveOpensTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.archiveOpensTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.sessionsActive))
}

func TestRecordClassReadsAndPatches(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordClassRead("archive")
	pm.RecordClassRead("cache")
	pm.RecordClassRead("cache")
	pm.RecordPatch("add_field", "changed")
	pm.RecordPatch("change_access", "noop")

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.classReadsTotal.WithLabelValues("cache")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.patchesTotal))
}

func TestRecordDecompilationRecoveryAndUsage(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordDecompilation("cfr", false, 2*time.Second)
	pm.RecordDecompilation("cfr", true, time.Second)
	pm.RecordRecovery(map[string]int{"zkm": 3, "allatori": 1})
	pm.RecordRecovery(map[string]int{"zkm": 2})
	pm.RecordUsageSearch(4, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.decompilationsTotal.WithLabelValues("cfr", "failure")))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.recoveryRunsTotal))
	assert.Equal(t, float64(5), testutil.ToFloat64(pm.recoveryFindingsTotal.WithLabelValues("zkm")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.usageSearchesTotal))
}

func TestUpdateGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(4, 2, 7)
	pm.UpdateMemoryStats(MemoryStats{Alloc: 1024, Goroutines: 9, NumGC: 3})

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, float64(7), testutil.ToFloat64(pm.workerPoolQueueSize))
	assert.Equal(t, float64(1024), testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, float64(9), testutil.ToFloat64(pm.goroutinesCount))
}

func TestMemoryMonitor(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := NewMemoryMonitor(logger, 10*time.Millisecond, 0)
	updates := make(chan MemoryStats, 1)
	m.OnUpdate(func(s MemoryStats) {
		select {
		case updates <- s:
		default:
		}
	})
	m.Start()
	defer m.Stop()

	select {
	case s := <-updates:
		assert.Greater(t, s.Goroutines, 0)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not sample")
	}
	assert.NotZero(t, m.GetStats().Sys)

	m.Stop()
	m.Stop()
}

func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing header", "s3cret-token", "", http.StatusUnauthorized},
		{"not bearer", "s3cret-token", "s3cret-token", http.StatusUnauthorized},
		{"wrong token", "s3cret-token", "Bearer other", http.StatusUnauthorized},
		{"valid", "s3cret-token", "Bearer s3cret-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(TokenAuth(tt.token))
			router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
		})
	}
}
