package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule_Interval(t *testing.T) {
	for _, expr := range []string{"5 MINUTE", "5 minutes", " 5   MINUTES "} {
		sched, err := ParseSchedule(expr)
		require.NoError(t, err, expr)
		assert.Equal(t, ScheduleKindInterval, sched.Kind())
		assert.Equal(t, "5 MINUTE", sched.String())
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, err := ParseSchedule("15 MINUTE")
	require.NoError(t, err)
	assert.Equal(t, base.Add(15*time.Minute), sched.Next(base))
}

func TestParseSchedule_Cron(t *testing.T) {
	sched, err := ParseSchedule("USING CRON 0 6 * * * Asia/Shanghai")
	require.NoError(t, err)
	assert.Equal(t, ScheduleKindCron, sched.Kind())
	assert.Equal(t, "USING CRON 0 6 * * * Asia/Shanghai", sched.String())

	// 06:00 上海时间即 22:00 UTC
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(from).UTC()
	assert.Equal(t, time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC), next)

	_, err = ParseSchedule("using cron @daily UTC")
	require.NoError(t, err)
}

func TestParseSchedule_OnChange(t *testing.T) {
	sched, err := ParseSchedule("trigger_on_changes")
	require.NoError(t, err)
	assert.Equal(t, ScheduleKindOnChange, sched.Kind())
	assert.Equal(t, "TRIGGER_ON_CHANGES", sched.String())
	assert.True(t, sched.Next(time.Now()).IsZero())
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, expr := range []string{
		"",
		"0 MINUTE",
		"5 HOURS",
		"USING CRON 0 6 * * *",
		"USING CRON 0 6 * * * Mars/Olympus",
		"USING CRON 61 * * * * UTC",
		"every day",
	} {
		_, err := ParseSchedule(expr)
		assert.ErrorIs(t, err, ErrValidation, expr)
	}
}
