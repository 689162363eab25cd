package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startScheduler(t *testing.T, h *harness) *Scheduler {
	t.Helper()
	s := NewScheduler(h.db, h.bindings, h.evaluator, h.guard, SchedulerConfig{Workers: 2, QueueSize: 8})
	require.NoError(t, s.Start())
	return s
}

func waitForResults(t *testing.T, h *harness, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.resultCount(t) == n }, 5*time.Second, 20*time.Millisecond)
}

func TestScheduler_OnChange(t *testing.T) {
	h := newHarness(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	putClaims(h.source, 5)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	s := startScheduler(t, h)
	defer s.Stop()
	h.source.OnChange(func(entity string) { s.NotifyChanged(entity) })

	row, err := s.SetSchedule(ctx, "claims", "TRIGGER_ON_CHANGES")
	require.NoError(t, err)
	assert.Equal(t, string(ScheduleKindOnChange), row.Kind)
	assert.Equal(t, int64(1), row.Revision)

	putClaims(h.source, 6)
	waitForResults(t, h, 1)

	// 未调度的实体忽略变更信号
	assert.False(t, s.NotifyChanged("unscheduled"))

	_, err = s.Suspend(ctx, "claims")
	require.NoError(t, err)
	assert.False(t, s.NotifyChanged("claims"))

	_, err = s.Resume(ctx, "claims")
	require.NoError(t, err)
	assert.True(t, s.NotifyChanged("claims"))
	waitForResults(t, h, 2)

	stored, err := s.GetSchedule(ctx, "claims")
	require.NoError(t, err)
	assert.Equal(t, ScheduleStateActive, stored.State)
	assert.NotNil(t, stored.LastWakeAt)
}

func TestScheduler_IntervalIgnoresChangeSignal(t *testing.T) {
	h := newHarness(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	s := startScheduler(t, h)
	defer s.Stop()

	_, err := s.SetSchedule(ctx, "claims", "60 MINUTE")
	require.NoError(t, err)
	assert.False(t, s.NotifyChanged("claims"))

	row, err := s.SetSchedule(ctx, "claims", "USING CRON 0 6 * * * UTC")
	require.NoError(t, err)
	assert.Equal(t, int64(2), row.Revision)
	assert.Equal(t, string(ScheduleKindCron), row.Kind)

	_, err = s.SetSchedule(ctx, "claims", "whenever")
	assert.ErrorIs(t, err, ErrValidation)

	schedules, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	require.NoError(t, s.ClearSchedule(ctx, "claims"))
	_, err = s.GetSchedule(ctx, "claims")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ClearSchedule(ctx, "claims"), ErrNotFound)
}

func TestScheduler_TriggerNowSkipsInFlight(t *testing.T) {
	db := newHarness(t).db
	mem := NewMemoryEntitySource()
	blocking := newBlockingSource(mem)
	h := newHarnessWithSource(t, db, mem, blocking)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	putClaims(mem, 5)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	s := startScheduler(t, h)
	defer s.Stop()

	assert.Equal(t, 1, s.TriggerNow("claims"))
	<-blocking.entered
	assert.Equal(t, 0, s.TriggerNow("claims"))

	close(blocking.release)
	waitForResults(t, h, 1)
	require.Eventually(t, func() bool { return h.guard.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestScheduler_SuspendCancelsInFlight(t *testing.T) {
	db := newHarness(t).db
	mem := NewMemoryEntitySource()
	blocking := newBlockingSource(mem)
	h := newHarnessWithSource(t, db, mem, blocking)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	putClaims(mem, 5)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	s := startScheduler(t, h)
	defer s.Stop()
	_, err := s.SetSchedule(ctx, "claims", "TRIGGER_ON_CHANGES")
	require.NoError(t, err)

	require.True(t, s.NotifyChanged("claims"))
	<-blocking.entered

	_, err = s.Suspend(ctx, "claims")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.guard.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Zero(t, h.resultCount(t))
}

func TestScheduler_RunBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putClaims(h.source, 3)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	binding := h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	s := NewScheduler(h.db, h.bindings, h.evaluator, h.guard, SchedulerConfig{})
	result, err := s.RunBinding(ctx, binding.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, *result.Value)

	_, err = s.RunBinding(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
