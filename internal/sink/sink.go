// Package sink persists task telemetry. The terminal summary goes to the
// database; realtime points go to both the database and a redis pub/sub
// channel for live dashboards. The runtime treats all of this as a black box
// behind its retry policy.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MigoXLab/LMeterX/internal/metrics"
)

// realtimeChannel returns the pub/sub channel carrying a task's live points.
func realtimeChannel(taskID string) string {
	return "lmeterx:realtime:" + taskID
}

// NewDBConnection 创建数据库连接
func NewDBConnection(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// autoMigrate 自动迁移数据库结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&StageResultModel{},
		&TokenMetricsModel{},
		&RealtimePointModel{},
	)
}

// Sink writes telemetry to the database and, when configured, publishes
// realtime points over redis. redis may be nil.
type Sink struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *zap.Logger
}

// New builds a sink. rdb may be nil to disable pub/sub.
func New(db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Sink {
	return &Sink{db: db, rdb: rdb, logger: logger}
}

// PublishPoint stores one realtime point and fans it out to subscribers.
func (s *Sink) PublishPoint(ctx context.Context, p metrics.RealtimePoint) error {
	model := RealtimePointModel{
		TaskID:            p.TaskID,
		TimestampS:        p.TimestampS,
		CurrentUsers:      p.CurrentUsers,
		CurrentRPS:        p.CurrentRPS,
		CurrentFailPerSec: p.CurrentFailPerSec,
		AvgResponseTimeMs: p.AvgResponseTimeMs,
		P95ResponseTimeMs: p.P95ResponseTimeMs,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("store realtime point: %w", err)
	}

	if s.rdb != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode realtime point: %w", err)
		}
		if err := s.rdb.Publish(ctx, realtimeChannel(p.TaskID), raw).Err(); err != nil {
			// Live fan-out is best effort; the stored row is the record.
			s.logger.Warn("redis publish failed",
				zap.String("task_id", p.TaskID),
				zap.Error(err))
		}
	}
	return nil
}

// WriteSummary stores the terminal summary atomically: all stage rows plus
// the whole-task token record, or nothing.
func (s *Sink) WriteSummary(ctx context.Context, summary metrics.Summary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stage := range summary.Stages {
			row := StageResultModel{
				TaskID:           summary.TaskID,
				MetricType:       stage.Stage,
				RequestCount:     stage.RequestCount,
				FailureCount:     stage.FailureCount,
				AvgResponseTime:  stage.AvgResponseTime,
				MinResponseTime:  stage.MinResponseTime,
				MaxResponseTime:  stage.MaxResponseTime,
				Percentile50:     stage.Percentile50,
				Percentile90:     stage.Percentile90,
				Percentile95:     stage.Percentile95,
				RPS:              stage.RPS,
				AvgContentLength: stage.AvgContentLength,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("store stage %s: %w", stage.Stage, err)
			}
		}

		tokens := TokenMetricsModel{
			TaskID:                    summary.TaskID,
			ReqsCount:                 summary.Tokens.ReqsCount,
			CompletionTokens:          summary.Tokens.CompletionTokens,
			TotalTokens:               summary.Tokens.TotalTokens,
			TotalTPS:                  summary.Tokens.TotalTPS,
			CompletionTPS:             summary.Tokens.CompletionTPS,
			AvgTotalTokensPerReq:      summary.Tokens.AvgTotalTokensPerReq,
			AvgCompletionTokensPerReq: summary.Tokens.AvgCompletionTokensPerReq,
			EstimatedCount:            summary.Tokens.EstimatedCount,
			ExecutionTimeS:            summary.Tokens.ExecutionTimeS,
			SuccessRatePct:            summary.SuccessRatePct,
		}
		if err := tx.Create(&tokens).Error; err != nil {
			return fmt.Errorf("store token metrics: %w", err)
		}
		return nil
	})
}

// StageResults reads back the stored stage rows of a task.
func (s *Sink) StageResults(ctx context.Context, taskID string) ([]StageResultModel, error) {
	var rows []StageResultModel
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// PointsSince reads stored realtime points newer than sinceTs.
func (s *Sink) PointsSince(ctx context.Context, taskID string, sinceTs int64) ([]RealtimePointModel, error) {
	var rows []RealtimePointModel
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND timestamp_s > ?", taskID, sinceTs).
		Order("timestamp_s").
		Find(&rows).Error
	return rows, err
}
