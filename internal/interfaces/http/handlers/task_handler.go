package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/task"
	"github.com/MigoXLab/LMeterX/pkg/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源 (生产环境应限制)
	},
}

// TaskHandler 压测任务接口
type TaskHandler struct {
	runtime *task.Runtime
	logger  *zap.Logger
}

func NewTaskHandler(runtime *task.Runtime, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		runtime: runtime,
		logger:  logger,
	}
}

type startTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type taskStatusResponse struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Failure string `json:"failure,omitempty"`
}

// StartTask 提交任务描述符并启动任务
func (h *TaskHandler) StartTask(c *gin.Context) {
	var d task.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := h.runtime.Start(c.Request.Context(), d)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.IsInvalidDescriptor(err) || errors.IsInvalidDataset(err):
			status = http.StatusBadRequest
		case errors.IsCapacity(err):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, startTaskResponse{
		TaskID: handle.Descriptor.TaskID,
		Status: string(handle.Status()),
	})
}

// StopTask 发出停止信号, 幂等
func (h *TaskHandler) StopTask(c *gin.Context) {
	if err := h.runtime.Stop(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// TaskStatus 查询任务状态
func (h *TaskHandler) TaskStatus(c *gin.Context) {
	handle, err := h.runtime.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	resp := taskStatusResponse{
		TaskID: handle.Descriptor.TaskID,
		Name:   handle.Descriptor.Name,
		Status: string(handle.Status()),
	}
	if fail := handle.Failure(); fail != nil {
		resp.Failure = fail.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// ListTasks 列出全部任务
func (h *TaskHandler) ListTasks(c *gin.Context) {
	tasks := h.runtime.List()
	out := make([]taskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskStatusResponse{
			TaskID: t.Descriptor.TaskID,
			Name:   t.Descriptor.Name,
			Status: string(t.Status()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// TaskResult 返回当前或终态统计
func (h *TaskHandler) TaskResult(c *gin.Context) {
	handle, err := h.runtime.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, handle.Snapshot())
}

// TaskRealtime 增量拉取实时采样点, since_ts 之后严格更新的点
func (h *TaskHandler) TaskRealtime(c *gin.Context) {
	handle, err := h.runtime.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	sinceTs, _ := strconv.ParseInt(c.DefaultQuery("since_ts", "0"), 10, 64)
	points := handle.PointsSince(sinceTs)
	c.JSON(http.StatusOK, gin.H{"points": points})
}

// TaskStream 通过 WebSocket 推送实时采样点
func (h *TaskHandler) TaskStream(c *gin.Context) {
	handle, err := h.runtime.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sinceTs, _ := strconv.ParseInt(c.DefaultQuery("since_ts", "0"), 10, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		for _, p := range handle.PointsSince(sinceTs) {
			if err := conn.WriteJSON(p); err != nil {
				return
			}
			sinceTs = p.TimestampS
		}

		select {
		case <-handle.Done():
			// Flush anything published during the final tick, then close.
			for _, p := range handle.PointsSince(sinceTs) {
				if err := conn.WriteJSON(p); err != nil {
					return
				}
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(handle.Status())))
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
