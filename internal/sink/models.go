package sink

import (
	"time"
)

// StageResultModel 终态分阶段统计记录
type StageResultModel struct {
	ID               uint    `gorm:"primaryKey;autoIncrement"`
	TaskID           string  `gorm:"index;size:64;not null"`
	MetricType       string  `gorm:"size:128;not null"`
	RequestCount     uint64  `gorm:"not null"`
	FailureCount     uint64  `gorm:"not null"`
	AvgResponseTime  float64 `gorm:"not null"`
	MinResponseTime  float64 `gorm:"not null"`
	MaxResponseTime  float64 `gorm:"not null"`
	Percentile50     float64 `gorm:"not null"`
	Percentile90     float64 `gorm:"not null"`
	Percentile95     float64 `gorm:"not null"`
	RPS              float64 `gorm:"not null"`
	AvgContentLength float64 `gorm:"not null"`
	CreatedAt        time.Time
}

// TableName 指定表名
func (StageResultModel) TableName() string {
	return "stage_results"
}

// TokenMetricsModel 整任务 token 吞吐记录
type TokenMetricsModel struct {
	ID                        uint    `gorm:"primaryKey;autoIncrement"`
	TaskID                    string  `gorm:"uniqueIndex;size:64;not null"`
	ReqsCount                 uint64  `gorm:"not null"`
	CompletionTokens          uint64  `gorm:"not null"`
	TotalTokens               uint64  `gorm:"not null"`
	TotalTPS                  float64 `gorm:"not null"`
	CompletionTPS             float64 `gorm:"not null"`
	AvgTotalTokensPerReq      float64 `gorm:"not null"`
	AvgCompletionTokensPerReq float64 `gorm:"not null"`
	EstimatedCount            uint64  `gorm:"not null"`
	ExecutionTimeS            float64 `gorm:"not null"`
	SuccessRatePct            float64 `gorm:"not null"`
	CreatedAt                 time.Time
}

// TableName 指定表名
func (TokenMetricsModel) TableName() string {
	return "token_metrics"
}

// RealtimePointModel 实时采样记录
type RealtimePointModel struct {
	ID                uint    `gorm:"primaryKey;autoIncrement"`
	TaskID            string  `gorm:"index:idx_task_ts,priority:1;size:64;not null"`
	TimestampS        int64   `gorm:"index:idx_task_ts,priority:2;not null"`
	CurrentUsers      int     `gorm:"not null"`
	CurrentRPS        float64 `gorm:"not null"`
	CurrentFailPerSec float64 `gorm:"not null"`
	AvgResponseTimeMs float64 `gorm:"not null"`
	P95ResponseTimeMs float64 `gorm:"not null"`
	CreatedAt         time.Time
}

// TableName 指定表名
func (RealtimePointModel) TableName() string {
	return "realtime_points"
}
