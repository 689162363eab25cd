/*
 * @module main
 * @description 服务入口：serve 启动 HTTP/Dapr 服务，migrate 执行迁移，validate-metric 离线校验指标定义
 * @architecture 命令行入口 - cobra 子命令
 * @documentReference DESIGN.md
 * @stateFlow 解析参数 -> 加载配置 -> 装配组件 -> 迁移 -> 启动 -> 等待信号 -> 停止
 * @rules 配置错误直接退出；收到 SIGINT/SIGTERM 后先停 HTTP 再停后台任务
 * @dependencies github.com/spf13/cobra, github.com/dapr/go-sdk, github.com/go-chi/chi/v5, github.com/prometheus/client_golang, github.com/swaggo/http-swagger
 * @refs api/routes.go, service/init.go
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dataquality-service/api"
	_ "dataquality-service/docs"
	"dataquality-service/logger"
	"dataquality-service/service"
	"dataquality-service/service/changefeed"
	"dataquality-service/service/config"
	"dataquality-service/service/metrics"
	"dataquality-service/service/quality"

	daprd "github.com/dapr/go-sdk/service/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger"
)

var configFile string

// @title 数据质量监控服务 API
// @version 1.0
// @description 数据质量指标定义、绑定、调度评估、结果查询与告警通知
// @BasePath /
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dataquality-service",
		Short:        "数据质量监控服务",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径 (yaml/json/toml)")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newValidateMetricCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.Log.Level)
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务、调度器、告警引擎与变更监听",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := service.NewApp(cfg)
	if err != nil {
		return err
	}
	defer app.Stop()

	if err := app.Migrate(ctx); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)
	if err := app.Start(ctx); err != nil {
		return err
	}

	mux := chi.NewRouter()
	// 如果有BASE_CONTEXT，则在该路径下挂载所有路由
	if base := cfg.Server.BaseContext; base != "" {
		mux.Route(base, func(r chi.Router) {
			mountRoutes(r, app)
		})
	} else {
		mountRoutes(mux, app)
	}

	s := daprd.NewServiceWithMux(":"+strconv.Itoa(cfg.Server.Port), mux)
	if err := changefeed.RegisterDapr(s, app.DaprSubscription(), app.Changes); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP服务启动", "port", cfg.Server.Port, "base_context", cfg.Server.BaseContext)
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("收到退出信号，正在停止服务")
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP服务异常退出: %w", err)
		}
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	done := make(chan struct{})
	go func() {
		if err := s.GracefulStop(); err != nil {
			slog.Warn("HTTP服务停止失败", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("HTTP服务停止超时")
	}
	return nil
}

func mountRoutes(r chi.Router, app *service.App) {
	api.InitRoute(r, app)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/swagger*", httpSwagger.WrapHandler)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行表结构迁移并写入内置指标",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := service.NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Stop()
			if err := app.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("迁移完成")
			return nil
		},
	}
}

func newValidateMetricCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-metric <file.json>",
		Short: "离线校验指标定义，不连接数据库",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取指标定义失败: %w", err)
			}
			var in quality.MetricDefinitionInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("解析指标定义失败: %w", err)
			}
			registry := quality.NewRegistry(nil, quality.NewScriptEngine(), 0)
			kind, shape, err := registry.Validate(in)
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			return out.Encode(map[string]interface{}{
				"name":        in.Name,
				"kind":        kind,
				"input_shape": shape,
			})
		},
	}
}
