package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/task"
)

// DebugHandler 调试 API 处理器
type DebugHandler struct {
	runtime   *task.Runtime
	logger    *zap.Logger
	startedAt time.Time
}

// NewDebugHandler 创建调试处理器
func NewDebugHandler(rt *task.Runtime, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		runtime:   rt,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// GetRuntime 获取运行时信息
// GET /api/v1/debug/runtime
func (h *DebugHandler) GetRuntime(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(http.StatusOK, gin.H{
		"go_version":    runtime.Version(),
		"num_cpu":       runtime.NumCPU(),
		"num_goroutine": runtime.NumGoroutine(),
		"uptime_s":      int64(time.Since(h.startedAt).Seconds()),
		"memory": gin.H{
			"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
			"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
			"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
			"num_gc":         memStats.NumGC,
		},
		"timestamp": time.Now().Unix(),
	})
}

// GetTasks 获取任务统计
// GET /api/v1/debug/tasks
func (h *DebugHandler) GetTasks(c *gin.Context) {
	byStatus := map[string]int{}
	tasks := h.runtime.List()
	for _, t := range tasks {
		byStatus[string(t.Status())]++
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(tasks),
		"by_status": byStatus,
	})
}

// TriggerGC 手动触发 GC
// POST /api/v1/debug/gc
func (h *DebugHandler) TriggerGC(c *gin.Context) {
	before := runtime.NumGoroutine()
	runtime.GC()
	after := runtime.NumGoroutine()

	c.JSON(http.StatusOK, gin.H{
		"message":           "GC triggered",
		"goroutines_before": before,
		"goroutines_after":  after,
	})
}

// RegisterDebugRoutes 注册调试路由
func RegisterDebugRoutes(router *gin.RouterGroup, handler *DebugHandler) {
	debug := router.Group("/debug")
	{
		debug.GET("/runtime", handler.GetRuntime)
		debug.GET("/tasks", handler.GetTasks)
		debug.POST("/gc", handler.TriggerGC)
	}
}
