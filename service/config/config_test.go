package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dataquality-service/service/quality"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 80, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.EvalTimeout)
	assert.True(t, cfg.Scheduler.AlertsEnabled)
	assert.Empty(t, cfg.Redis.Host)
	assert.Equal(t, cfg.Database, cfg.WarehouseOrDefault())
	assert.Contains(t, cfg.Database.DSN(), "dbname=postgres")
}

func TestLoad_LegacyAndPrefixedEnv(t *testing.T) {
	t.Setenv("LISTEN_PORT", "8080")
	t.Setenv("BASE_CONTEXT", "/dq")
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("DQ_SCHEDULER_WORKERS", "8")
	t.Setenv("DQ_SCHEDULER_EVAL_TIMEOUT", "30s")
	t.Setenv("DQ_CHANGEFEED_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/dq", cfg.Server.BaseContext)
	assert.Equal(t, "pg.internal", cfg.Database.Host)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.EvalTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.ChangeFeed.KafkaBrokers)
}

func TestLoad_PrefixedWinsOverLegacy(t *testing.T) {
	t.Setenv("DB_HOST", "legacy")
	t.Setenv("DQ_DATABASE_HOST", "current")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "current", cfg.Database.Host)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  driver: sqlite
  name: /tmp/dq.db
warehouse:
  driver: mysql
  host: wh
  port: 3306
  user: reader
  password: secret
  name: sales
scheduler:
  workers: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/dq.db", cfg.Database.DSN())
	assert.Equal(t, "reader:secret@tcp(wh:3306)/sales?charset=utf8mb4&parseTime=True&loc=UTC", cfg.WarehouseOrDefault().DSN())
	assert.NotContains(t, cfg.WarehouseOrDefault().Redacted(), "secret")
	assert.Equal(t, 2, cfg.Scheduler.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":        func(c *Config) { c.Server.Port = 0 },
		"bad driver":      func(c *Config) { c.Database.Driver = "oracle" },
		"sqlite no name":  func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Name = "" },
		"no workers":      func(c *Config) { c.Scheduler.Workers = 0 },
		"bad qos":         func(c *Config) { c.ChangeFeed.MQTTQoS = 3 },
		"bad warehouse":   func(c *Config) { c.Warehouse.Driver = "mssql" },
		"no queue buffer": func(c *Config) { c.Scheduler.QueueSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCatalog(t *testing.T) {
	cat, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Equal(t, quality.DefaultSeverityRules(), cat.SeverityRules)

	cat, err = ParseCatalog([]byte(`
severity_rules:
  - pattern: "*null*"
    operator: ">="
    threshold: 10
    severity: warning
metric_descriptions:
  ROW_COUNT: 表行数
`))
	require.NoError(t, err)
	require.Len(t, cat.SeverityRules, 1)
	assert.Equal(t, "表行数", cat.MetricDescriptions["ROW_COUNT"])

	classifier, err := cat.Classifier()
	require.NoError(t, err)
	v := 12.0
	assert.Equal(t, quality.SeverityWarning, classifier.ClassifyValue("NULL_PERCENT", &v))

	empty, err := ParseCatalog(nil)
	require.NoError(t, err)
	assert.Equal(t, quality.DefaultSeverityRules(), empty.SeverityRules)

	_, err = ParseCatalog([]byte("severity_rules:\n  - pattern: x\n    operator: between\n    severity: OK\n"))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte("unknown_key: 1\n"))
	assert.Error(t, err)
}
