/*
 * @module service/init
 * @description 服务装配：按配置创建数据库连接、锁、质量引擎、告警引擎、通知渠道和变更信号源
 * @architecture 分层架构 - 服务层，显式依赖注入，无全局单例
 * @documentReference DESIGN.md
 * @stateFlow NewApp(连接与组件) -> Migrate -> Start(调度器/告警/变更监听) -> Stop(逆序关闭)
 * @rules 所有依赖就绪后才启动调度；Stop 可重复调用
 * @dependencies gorm.io/gorm, service/config, service/database, service/quality, service/alerting, service/notification, service/changefeed
 * @refs main.go, api/routes.go
 */

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dataquality-service/service/alerting"
	"dataquality-service/service/changefeed"
	"dataquality-service/service/config"
	"dataquality-service/service/database"
	"dataquality-service/service/distributed_lock"
	"dataquality-service/service/notification"
	"dataquality-service/service/quality"
	"dataquality-service/service/rate_limiter"

	"gorm.io/gorm"
)

// App 质量服务组件容器
type App struct {
	Config  *config.Config
	Catalog *config.Catalog

	DB        *gorm.DB
	Warehouse *gorm.DB
	Lock      distributed_lock.DistributedLock

	Registry   *quality.Registry
	Source     quality.EntitySource
	Guard      *quality.InFlightGuard
	Bindings   *quality.BindingStore
	Results    *quality.ResultStore
	Evaluator  *quality.Evaluator
	Scheduler  *quality.Scheduler
	Classifier *quality.Classifier

	Dispatcher *notification.Dispatcher
	Alerts     *alerting.Engine
	Changes    *changefeed.Handler
	Feed       *changefeed.Feed

	stopOnce sync.Once
}

// NewApp 按配置创建全部组件，不启动后台任务
func NewApp(cfg *config.Config) (*App, error) {
	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	slog.Info("数据库连接成功", "database", cfg.Database.Redacted())

	warehouse := db
	if cfg.Warehouse.Driver != "" {
		warehouse, err = database.Open(cfg.Warehouse)
		if err != nil {
			_ = database.Close(db)
			return nil, err
		}
		slog.Info("数仓连接成功", "warehouse", cfg.Warehouse.Redacted())
	}

	lock, err := newLock(cfg.Redis)
	if err != nil {
		_ = database.Close(db)
		if warehouse != db {
			_ = database.Close(warehouse)
		}
		return nil, err
	}

	app, err := Assemble(cfg, catalog, db, warehouse, lock)
	if err != nil {
		if closer, ok := lock.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		if warehouse != db {
			_ = database.Close(warehouse)
		}
		_ = database.Close(db)
		return nil, err
	}
	return app, nil
}

func newLock(cfg config.RedisConfig) (distributed_lock.DistributedLock, error) {
	if cfg.Host == "" {
		slog.Info("未配置Redis，使用进程内锁")
		return distributed_lock.NewMemoryLock(), nil
	}
	lock, err := distributed_lock.NewRedisLock(distributed_lock.RedisOptions{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Password:  cfg.Password,
		DB:        cfg.DB,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Redis分布式锁已启用", "host", cfg.Host)
	return lock, nil
}

// Assemble 在已有连接上装配组件，测试中传入 sqlite 连接
func Assemble(cfg *config.Config, catalog *config.Catalog, db, warehouse *gorm.DB, lock distributed_lock.DistributedLock) (*App, error) {
	if catalog == nil {
		catalog = config.DefaultCatalog()
	}
	classifier, err := catalog.Classifier()
	if err != nil {
		return nil, err
	}

	registry := quality.NewRegistry(db, quality.NewScriptEngine(), cfg.Scheduler.CacheTTL)
	source := quality.NewGormEntitySource(warehouse)
	guard := quality.NewInFlightGuard(lock, cfg.Scheduler.LockTTL)
	results := quality.NewResultStore(db)
	bindings := quality.NewBindingStore(db, registry, source, guard)

	var evalOpts []quality.EvaluatorOption
	if cfg.Scheduler.EvalTimeout > 0 {
		evalOpts = append(evalOpts, quality.WithTimeout(cfg.Scheduler.EvalTimeout))
	}
	evaluator := quality.NewEvaluator(registry, source, results, guard, evalOpts...)
	scheduler := quality.NewScheduler(db, bindings, evaluator, guard, quality.SchedulerConfig{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	})

	dispatcher := newDispatcher(cfg.Notification)
	if q := newQuota(cfg.Notification, lock); q != nil {
		dispatcher.WithQuota(q)
	}
	alerts := alerting.NewEngine(db, results, classifier, dispatcher, lock)

	changes := changefeed.NewHandler(scheduler)
	feed := changefeed.NewFeed(listeners(cfg.ChangeFeed, changes)...)

	return &App{
		Config:     cfg,
		Catalog:    catalog,
		DB:         db,
		Warehouse:  warehouse,
		Lock:       lock,
		Registry:   registry,
		Source:     source,
		Guard:      guard,
		Bindings:   bindings,
		Results:    results,
		Evaluator:  evaluator,
		Scheduler:  scheduler,
		Classifier: classifier,
		Dispatcher: dispatcher,
		Alerts:     alerts,
		Changes:    changes,
		Feed:       feed,
	}, nil
}

func newDispatcher(cfg config.NotificationConfig) *notification.Dispatcher {
	senders := []notification.Sender{
		notification.NewWebhookSender(cfg.Timeout, cfg.WebhookHeaders),
	}
	if cfg.SMTPHost != "" {
		senders = append(senders, notification.NewEmailSender(notification.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	}
	if cfg.TicketBaseURL != "" {
		senders = append(senders, notification.NewTicketSender(notification.TicketConfig{
			BaseURL:    cfg.TicketBaseURL,
			Username:   cfg.TicketUsername,
			APIToken:   cfg.TicketToken,
			ProjectKey: cfg.TicketProject,
			Timeout:    cfg.Timeout,
		}))
	}
	return notification.NewDispatcher(cfg.RatePerSecond, cfg.Burst, senders...)
}

// newQuota 接收方配额复用分布式锁的Redis连接，进程内锁时不启用
func newQuota(cfg config.NotificationConfig, lock distributed_lock.DistributedLock) *rate_limiter.RecipientQuota {
	redisLock, ok := lock.(*distributed_lock.RedisLock)
	if !ok || cfg.RecipientLimit <= 0 {
		return nil
	}
	slog.Info("通知接收方配额已启用", "limit", cfg.RecipientLimit, "window", cfg.RecipientWindow)
	return rate_limiter.NewRecipientQuota(redisLock.Client(), redisLock.Prefix(), cfg.RecipientLimit, cfg.RecipientWindow)
}

// listeners 按配置创建变更监听器，未配置的来源不加入
func listeners(cfg config.ChangeFeedConfig, h *changefeed.Handler) []changefeed.Listener {
	var out []changefeed.Listener
	if l := changefeed.NewKafkaListener(changefeed.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}, h); l != nil {
		out = append(out, l)
	}
	if l := changefeed.NewMQTTListener(changefeed.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		Topic:    cfg.MQTTTopic,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		QoS:      byte(cfg.MQTTQoS),
	}, h); l != nil {
		out = append(out, l)
	}
	if l := changefeed.NewNATSListener(changefeed.NATSConfig{
		URL:     cfg.NATSURL,
		Subject: cfg.NATSSubject,
		Queue:   cfg.NATSQueue,
	}, h); l != nil {
		out = append(out, l)
	}
	return out
}

// DaprSubscription Dapr pubsub 变更订阅配置
func (a *App) DaprSubscription() changefeed.DaprConfig {
	return changefeed.DaprConfig{
		PubsubName: a.Config.ChangeFeed.DaprPubsubName,
		Topic:      a.Config.ChangeFeed.DaprTopic,
	}
}

// Migrate 执行表结构迁移并写入内置指标
func (a *App) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, a.DB, a.Config.Database.Schema, a.Registry, a.Catalog.MetricDescriptions)
}

// Start 启动调度器、告警引擎和变更监听
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}
	if a.Config.Scheduler.AlertsEnabled {
		if err := a.Alerts.Start(); err != nil {
			a.Scheduler.Stop()
			return fmt.Errorf("启动告警引擎失败: %w", err)
		}
	}
	if err := a.Feed.Start(ctx); err != nil {
		a.Alerts.Stop()
		a.Scheduler.Stop()
		return err
	}
	slog.Info("服务初始化完成", "listeners", len(a.Feed.Listeners()), "alerts", a.Config.Scheduler.AlertsEnabled)
	return nil
}

// Ready 就绪检查：数据库可达
func (a *App) Ready(ctx context.Context) error {
	if err := database.Ping(ctx, a.DB); err != nil {
		return fmt.Errorf("数据库不可用: %w", err)
	}
	if a.Warehouse != a.DB {
		if err := database.Ping(ctx, a.Warehouse); err != nil {
			return fmt.Errorf("数仓不可用: %w", err)
		}
	}
	return nil
}

// Stop 逆序停止后台任务并关闭连接
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.Feed.Close()
		a.Alerts.Stop()
		a.Scheduler.Stop()
		if closer, ok := a.Lock.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				slog.Warn("关闭分布式锁失败", "error", err)
			}
		}
		if a.Warehouse != a.DB {
			_ = database.Close(a.Warehouse)
		}
		if err := database.Close(a.DB); err != nil {
			slog.Warn("关闭数据库失败", "error", err)
		}
		slog.Info("服务已停止")
	})
}
