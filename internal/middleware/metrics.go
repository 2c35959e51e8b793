package middleware

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`        // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`     // GC 次数
	Goroutines int    `json:"goroutines"` // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`   // 当前分配 (MB)
	SysMB      uint64 `json:"sys_mb"`     // 系统内存 (MB)
}

// MemoryMonitor 内存监控器
// 打开大归档时类字节与反编译文本都常驻内存，定期采样并在超过阈值时告警
type MemoryMonitor struct {
	logger   *logrus.Logger
	interval time.Duration
	warnMB   uint64
	onUpdate func(MemoryStats)
	stats    MemoryStats
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryMonitor 创建内存监控器，warnMB 为 0 时使用 1536
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, warnMB uint64) *MemoryMonitor {
	if warnMB == 0 {
		warnMB = 1536
	}
	return &MemoryMonitor{
		logger:   logger,
		interval: interval,
		warnMB:   warnMB,
		stopChan: make(chan struct{}),
	}
}

// OnUpdate 每次采样后回调（例如写入 Prometheus），需在 Start 前设置
func (m *MemoryMonitor) OnUpdate(fn func(MemoryStats)) {
	m.onUpdate = fn
}

// Start 启动内存监控
func (m *MemoryMonitor) Start() {
	go m.monitor()
}

// Stop 停止内存监控，可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) monitor() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			stats := m.Sample()
			m.logStats(stats)
			if m.onUpdate != nil {
				m.onUpdate(stats)
			}
		}
	}
}

// Sample 立即采样一次并返回结果
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()
	return stats
}

func (m *MemoryMonitor) logStats(stats MemoryStats) {
	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > m.warnMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"warn_mb":  m.warnMB,
		}).Warn("High memory usage detected")
	}
}

// GetStats 获取最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 内存统计端点
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"memory": m.GetStats(),
		})
	}
}
