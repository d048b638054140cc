package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MigoXLab/LMeterX/internal/config"
	httpapi "github.com/MigoXLab/LMeterX/internal/interfaces/http"
	"github.com/MigoXLab/LMeterX/internal/logger"
	"github.com/MigoXLab/LMeterX/internal/metrics"
	"github.com/MigoXLab/LMeterX/internal/sink"
	"github.com/MigoXLab/LMeterX/internal/task"
)

const (
	appName    = "lmeterx"
	appVersion = "0.1.0"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "LMeterX — LLM 压力测试引擎",
		Long:  "LMeterX 针对 LLM HTTP 接口的负载测试引擎, 支持流式指标采集与多级延迟分解",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "配置文件路径")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动引擎服务 (HTTP API + 持久化)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfgPath)
		},
	}

	var descriptorFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "单次任务模式: 从描述文件启动一个任务并等待结束",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(descriptorFile)
		},
	}
	runCmd.Flags().StringVarP(&descriptorFile, "file", "f", "", "任务描述 JSON 文件 (必填)")
	_ = runCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Serve Mode ───

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting LMeterX engine",
		zap.String("version", appVersion),
		zap.String("db", cfg.Database.Type),
	)

	db, err := sink.NewDBConnection(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn("Redis unreachable, realtime publish will retry per point", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	prom := metrics.NewEngineMetrics(registry)

	runtime := task.NewRuntime(log, sink.New(db, rdb, log), prom, task.Settings{
		RealtimeTick: time.Duration(cfg.Engine.RealtimeTickS) * time.Second,
		ReservoirCap: cfg.Engine.ReservoirCap,
		MaxTasks:     cfg.Engine.MaxTasks,
	})

	server := httpapi.NewServer(httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, runtime, registry, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Stop all running tasks, then the server.
	for _, t := range runtime.List() {
		t.Stop()
	}
	for _, t := range runtime.List() {
		select {
		case <-t.Done():
		case <-time.After(30 * time.Second):
			log.Warn("task did not drain before shutdown deadline",
				zap.String("task_id", t.Descriptor.TaskID))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Engine stopped successfully")
	return nil
}

// ─── One-Shot Mode ───

// runOnce 直接运行一个任务, 结束后把终态统计打印到 stdout。
// 不起 HTTP 服务, 不落库; 适合 CI 与快速基准。
func runOnce(descriptorFile string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "warn",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	raw, err := os.ReadFile(descriptorFile)
	if err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	var d task.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := task.NewRuntime(log, nil, nil, task.Settings{})
	handle, err := runtime.Start(ctx, d)
	if err != nil {
		return err
	}

	// Ctrl-C stops the task gracefully; the scheduler drains users.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "stopping...")
		handle.Stop()
	}()

	summary := handle.Await()
	if fail := handle.Failure(); fail != nil {
		return fail
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
