package quality

import (
	"context"
	"testing"
	"time"

	"dataquality-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendResult(t *testing.T, store *ResultStore, bindingID string, value *float64, at time.Time) *models.MetricResult {
	t.Helper()
	r := &models.MetricResult{
		BindingID:  bindingID,
		MetricName: "null_rate",
		Entity:     "customers",
		Columns:    models.JSONBStringArray{"email"},
		Value:      value,
		MeasuredAt: at,
	}
	require.NoError(t, store.Append(context.Background(), r))
	return r
}

func TestResultStore_LatestIgnoresOlderAppend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	latest, err := h.results.Latest(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	newer := appendResult(t, h.results, "b1", fp(10), base.Add(time.Hour))
	appendResult(t, h.results, "b1", fp(99), base) // 晚到的旧结果

	latest, err = h.results.Latest(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer.ID, latest.ID)
	assert.Equal(t, 10.0, *latest.Value)

	all, err := h.results.Query(ctx, ResultQuery{BindingID: "b1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 99.0, *all[0].Value)
}

func TestResultStore_QueryAndTrend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	appendResult(t, h.results, "b1", fp(10), base)
	appendResult(t, h.results, "b1", nil, base.Add(time.Hour))
	appendResult(t, h.results, "b1", fp(20), base.Add(2*time.Hour))
	appendResult(t, h.results, "b1", fp(31), base.Add(3*time.Hour))

	since := base.Add(time.Hour)
	until := base.Add(2 * time.Hour)
	window, err := h.results.Query(ctx, ResultQuery{Entity: "customers", Metric: "null_rate", Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Nil(t, window[0].Value)

	trend, err := h.results.Trend(ctx, "customers", "null_rate", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, trend.Count)
	assert.Equal(t, 1, trend.Nulls)
	assert.Equal(t, 10.0, *trend.Min)
	assert.Equal(t, 31.0, *trend.Max)
	assert.Equal(t, 20.33, *trend.Avg)
	assert.Equal(t, 31.0, *trend.Last)

	byEntity, err := h.results.LatestByEntity(ctx, "customers")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "b1", byEntity[0].BindingID)
}
