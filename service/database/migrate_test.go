package database

import (
	"context"
	"testing"
	"time"

	"dataquality-service/service/config"
	"dataquality-service/service/models"
	"dataquality-service/service/quality"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteMemory(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, Ping(context.Background(), db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	_, err = Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	registry := quality.NewRegistry(db, quality.NewScriptEngine(), time.Minute)
	ctx := context.Background()
	descriptions := map[string]string{"UNIQUE_COUNT": "去重计数"}

	require.NoError(t, Migrate(ctx, db, "dq", registry, descriptions))
	// 重复执行保持幂等
	require.NoError(t, Migrate(ctx, db, "dq", registry, descriptions))

	for _, m := range models.QualityModels() {
		assert.True(t, db.Migrator().HasTable(m))
	}

	var n int64
	require.NoError(t, db.Model(&models.MetricDefinition{}).Where("is_built_in = ?", true).Count(&n).Error)
	assert.Equal(t, int64(len(quality.BuiltinMetrics())), n)

	def, err := registry.Get(ctx, "UNIQUE_COUNT")
	require.NoError(t, err)
	assert.Equal(t, "去重计数", def.Description)
}
