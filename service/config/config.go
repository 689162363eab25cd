/*
 * @module service/config/config
 * @description 服务配置：默认值 -> 配置文件 -> 环境变量(DQ_ 前缀及兼容旧变量名)
 * @architecture 分层架构 - 配置层
 * @documentReference DESIGN.md
 * @stateFlow Load -> 设置默认值 -> 读取配置文件 -> 绑定环境变量 -> Unmarshal -> Validate
 * @rules 环境变量优先级最高；旧变量名(DB_*, REDIS_*, LISTEN_PORT, BASE_CONTEXT, LOG_LEVEL)继续生效
 * @dependencies github.com/spf13/viper
 * @refs main.go, service/init.go, service/config/catalog.go
 */

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server" json:"server" yaml:"server"`
	Log          LogConfig          `mapstructure:"log" json:"log" yaml:"log"`
	Database     DatabaseConfig     `mapstructure:"database" json:"database" yaml:"database"`
	Warehouse    DatabaseConfig     `mapstructure:"warehouse" json:"warehouse" yaml:"warehouse"`
	Redis        RedisConfig        `mapstructure:"redis" json:"redis" yaml:"redis"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler"`
	Notification NotificationConfig `mapstructure:"notification" json:"notification" yaml:"notification"`
	ChangeFeed   ChangeFeedConfig   `mapstructure:"changefeed" json:"changefeed" yaml:"changefeed"`
	CatalogFile  string             `mapstructure:"catalog_file" json:"catalog_file" yaml:"catalog_file"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port        int      `mapstructure:"port" json:"port" yaml:"port"`
	BaseContext string   `mapstructure:"base_context" json:"base_context" yaml:"base_context"`
	APIKeyHash  string   `mapstructure:"api_key_hash" json:"-" yaml:"api_key_hash"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level" json:"level" yaml:"level"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" json:"driver" yaml:"driver"`
	URL          string `mapstructure:"url" json:"-" yaml:"url"`
	Host         string `mapstructure:"host" json:"host" yaml:"host"`
	Port         int    `mapstructure:"port" json:"port" yaml:"port"`
	User         string `mapstructure:"user" json:"user" yaml:"user"`
	Password     string `mapstructure:"password" json:"-" yaml:"password"`
	Name         string `mapstructure:"name" json:"name" yaml:"name"`
	SSLMode      string `mapstructure:"sslmode" json:"sslmode" yaml:"sslmode"`
	Schema       string `mapstructure:"schema" json:"schema" yaml:"schema"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns"`
}

// RedisConfig Redis 配置，Host 为空时使用进程内锁
type RedisConfig struct {
	Host      string `mapstructure:"host" json:"host" yaml:"host"`
	Port      string `mapstructure:"port" json:"port" yaml:"port"`
	Password  string `mapstructure:"password" json:"-" yaml:"password"`
	DB        int    `mapstructure:"db" json:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" yaml:"key_prefix"`
}

// SchedulerConfig 调度与评估配置
type SchedulerConfig struct {
	Workers       int           `mapstructure:"workers" json:"workers" yaml:"workers"`
	QueueSize     int           `mapstructure:"queue_size" json:"queue_size" yaml:"queue_size"`
	EvalTimeout   time.Duration `mapstructure:"eval_timeout" json:"eval_timeout" yaml:"eval_timeout"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" json:"lock_ttl" yaml:"lock_ttl"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"`
	AlertsEnabled bool          `mapstructure:"alerts_enabled" json:"alerts_enabled" yaml:"alerts_enabled"`
}

// NotificationConfig 通知渠道配置
type NotificationConfig struct {
	RatePerSecond  float64           `mapstructure:"rate_per_second" json:"rate_per_second" yaml:"rate_per_second"`
	Burst          int               `mapstructure:"burst" json:"burst" yaml:"burst"`
	SMTPHost       string            `mapstructure:"smtp_host" json:"smtp_host" yaml:"smtp_host"`
	SMTPPort       int               `mapstructure:"smtp_port" json:"smtp_port" yaml:"smtp_port"`
	SMTPUsername   string            `mapstructure:"smtp_username" json:"smtp_username" yaml:"smtp_username"`
	SMTPPassword   string            `mapstructure:"smtp_password" json:"-" yaml:"smtp_password"`
	SMTPFrom       string            `mapstructure:"smtp_from" json:"smtp_from" yaml:"smtp_from"`
	TicketBaseURL  string            `mapstructure:"ticket_base_url" json:"ticket_base_url" yaml:"ticket_base_url"`
	TicketUsername string            `mapstructure:"ticket_username" json:"ticket_username" yaml:"ticket_username"`
	TicketToken    string            `mapstructure:"ticket_token" json:"-" yaml:"ticket_token"`
	TicketProject  string            `mapstructure:"ticket_project" json:"ticket_project" yaml:"ticket_project"`
	Timeout        time.Duration     `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	WebhookHeaders map[string]string `mapstructure:"webhook_headers" json:"-" yaml:"webhook_headers"`

	// 每个接收方在窗口内的最大投递数，需要 Redis，0 表示不限制
	RecipientLimit  int           `mapstructure:"recipient_limit" json:"recipient_limit" yaml:"recipient_limit"`
	RecipientWindow time.Duration `mapstructure:"recipient_window" json:"recipient_window" yaml:"recipient_window"`
}

// ChangeFeedConfig 实体变更信号来源配置，未填写的来源不启用
type ChangeFeedConfig struct {
	KafkaBrokers   []string `mapstructure:"kafka_brokers" json:"kafka_brokers" yaml:"kafka_brokers"`
	KafkaTopic     string   `mapstructure:"kafka_topic" json:"kafka_topic" yaml:"kafka_topic"`
	KafkaGroupID   string   `mapstructure:"kafka_group_id" json:"kafka_group_id" yaml:"kafka_group_id"`
	MQTTBroker     string   `mapstructure:"mqtt_broker" json:"mqtt_broker" yaml:"mqtt_broker"`
	MQTTTopic      string   `mapstructure:"mqtt_topic" json:"mqtt_topic" yaml:"mqtt_topic"`
	MQTTUsername   string   `mapstructure:"mqtt_username" json:"mqtt_username" yaml:"mqtt_username"`
	MQTTPassword   string   `mapstructure:"mqtt_password" json:"-" yaml:"mqtt_password"`
	MQTTQoS        int      `mapstructure:"mqtt_qos" json:"mqtt_qos" yaml:"mqtt_qos"`
	NATSURL        string   `mapstructure:"nats_url" json:"nats_url" yaml:"nats_url"`
	NATSSubject    string   `mapstructure:"nats_subject" json:"nats_subject" yaml:"nats_subject"`
	NATSQueue      string   `mapstructure:"nats_queue" json:"nats_queue" yaml:"nats_queue"`
	DaprPubsubName string   `mapstructure:"dapr_pubsub" json:"dapr_pubsub" yaml:"dapr_pubsub"`
	DaprTopic      string   `mapstructure:"dapr_topic" json:"dapr_topic" yaml:"dapr_topic"`
}

// 兼容旧部署的环境变量名
var legacyEnv = map[string][]string{
	"server.port":         {"LISTEN_PORT"},
	"server.base_context": {"BASE_CONTEXT"},
	"log.level":           {"LOG_LEVEL"},
	"database.url":        {"DATABASE_URL"},
	"database.host":       {"DB_HOST"},
	"database.port":       {"DB_PORT"},
	"database.user":       {"DB_USER"},
	"database.password":   {"DB_PASSWORD"},
	"database.name":       {"DB_NAME"},
	"database.sslmode":    {"DB_SSLMODE"},
	"database.schema":     {"DB_SCHEMA"},
	"redis.host":          {"REDIS_HOST"},
	"redis.port":          {"REDIS_PORT"},
	"redis.password":      {"REDIS_PASSWORD"},
	"redis.db":            {"REDIS_DB"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 80)
	v.SetDefault("server.base_context", "")
	v.SetDefault("server.api_key_hash", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	for _, key := range []string{"driver", "url", "host", "user", "password", "name", "sslmode", "schema"} {
		v.SetDefault("warehouse."+key, "")
	}
	v.SetDefault("warehouse.port", 0)
	v.SetDefault("warehouse.max_open_conns", 10)
	v.SetDefault("warehouse.max_idle_conns", 2)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "dataquality:")

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.eval_timeout", 5*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 10*time.Minute)
	v.SetDefault("scheduler.cache_ttl", time.Minute)
	v.SetDefault("scheduler.alerts_enabled", true)

	v.SetDefault("notification.rate_per_second", 5.0)
	v.SetDefault("notification.burst", 10)
	v.SetDefault("notification.smtp_host", "")
	v.SetDefault("notification.smtp_port", 587)
	v.SetDefault("notification.smtp_username", "")
	v.SetDefault("notification.smtp_password", "")
	v.SetDefault("notification.smtp_from", "")
	v.SetDefault("notification.ticket_base_url", "")
	v.SetDefault("notification.ticket_username", "")
	v.SetDefault("notification.ticket_token", "")
	v.SetDefault("notification.ticket_project", "")
	v.SetDefault("notification.timeout", 10*time.Second)
	v.SetDefault("notification.webhook_headers", map[string]string{})
	v.SetDefault("notification.recipient_limit", 0)
	v.SetDefault("notification.recipient_window", time.Hour)

	v.SetDefault("changefeed.kafka_brokers", []string{})
	for _, key := range []string{"kafka_topic", "mqtt_broker", "mqtt_topic", "mqtt_username", "mqtt_password",
		"nats_url", "nats_subject", "nats_queue", "dapr_pubsub", "dapr_topic"} {
		v.SetDefault("changefeed."+key, "")
	}
	v.SetDefault("changefeed.kafka_group_id", "dataquality-service")
	v.SetDefault("changefeed.mqtt_qos", 1)

	v.SetDefault("catalog_file", "")
}

// Load 加载配置，configFile 为空时只使用默认值与环境变量
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		envs := append([]string{"DQ_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("监听端口无效: %d", c.Server.Port)
	}
	if err := c.Database.validate("database"); err != nil {
		return err
	}
	if c.Warehouse.Driver != "" {
		if err := c.Warehouse.validate("warehouse"); err != nil {
			return err
		}
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers 必须大于 0")
	}
	if c.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("scheduler.queue_size 必须大于 0")
	}
	if c.ChangeFeed.MQTTQoS < 0 || c.ChangeFeed.MQTTQoS > 2 {
		return fmt.Errorf("changefeed.mqtt_qos 只能为 0/1/2")
	}
	return nil
}

func (d DatabaseConfig) validate(section string) error {
	switch d.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("%s.driver 不支持: %q", section, d.Driver)
	}
	if d.Driver == "sqlite" && d.Name == "" && d.URL == "" {
		return fmt.Errorf("%s: sqlite 需要 name 作为文件路径", section)
	}
	return nil
}

// WarehouseOrDefault 未单独配置数仓连接时复用主库
func (c *Config) WarehouseOrDefault() DatabaseConfig {
	if c.Warehouse.Driver == "" {
		return c.Database
	}
	return c.Warehouse
}

// DSN 按驱动拼接连接串，URL 非空时直接使用
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	switch d.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite":
		return d.Name
	default:
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=UTC",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode, d.Schema)
	}
}

// Redacted 脱敏后的连接描述，用于日志
func (d DatabaseConfig) Redacted() string {
	if d.URL != "" {
		if u, err := url.Parse(d.URL); err == nil && u.Scheme != "" {
			return u.Redacted()
		}
		return d.Driver + "://***"
	}
	if d.Driver == "sqlite" {
		return "sqlite://" + d.Name
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", d.Driver, d.User, d.Host, d.Port, d.Name)
}
