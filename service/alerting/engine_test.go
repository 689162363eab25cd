package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dataquality-service/service/models"
	"dataquality-service/service/notification"
	"dataquality-service/service/quality"
	"dataquality-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) (*notification.DeliveryReceipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.err != nil {
		return nil, n.err
	}
	return &notification.DeliveryReceipt{Channel: msg.Channel, Recipient: msg.Recipient, ExternalKey: "DQ-1", ExternalStatus: "To Do"}, nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type engineFixture struct {
	db       *gorm.DB
	engine   *Engine
	notifier *recordingNotifier
	factory  *testutil.TestDataFactory
}

func newEngineFixture(t *testing.T) *engineFixture {
	db := testutil.SetupTestDB(t)
	classifier, err := quality.NewClassifier(quality.DefaultSeverityRules())
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	engine := NewEngine(db, quality.NewResultStore(db), classifier, notifier, nil)
	t.Cleanup(engine.Stop)
	return &engineFixture{db: db, engine: engine, notifier: notifier, factory: testutil.NewTestDataFactory(db)}
}

func duplicateRule(active bool) RuleInput {
	return RuleInput{
		Name:       "orders_duplicate_ids",
		MetricName: "duplicate_count",
		Entity:     "orders",
		Operator:   ">",
		Threshold:  0,
		Window:     "5m",
		Schedule:   "5 MINUTE",
		Active:     active,
		Channel:    "email",
		Recipient:  "oncall@example.com",
	}
}

var tick0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreate_DefaultsToSuspended(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(false))
	require.NoError(t, err)
	assert.Equal(t, models.AlertStateSuspended, rule.State)
	assert.Equal(t, "gt", rule.Operator)
	assert.Equal(t, int64(300), rule.WindowSeconds)
	assert.Equal(t, models.TriggerModeLevel, rule.TriggerMode)

	// 同名再次创建为替换
	in := duplicateRule(true)
	in.Threshold = 2
	replaced, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, replaced.ID)
	assert.Equal(t, 2.0, replaced.Threshold)
	assert.Equal(t, models.AlertStateActive, replaced.State)

	rules, err := f.engine.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cases := map[string]func(*RuleInput){
		"bad operator":     func(in *RuleInput) { in.Operator = "~" },
		"zero window":      func(in *RuleInput) { in.Window = "0s" },
		"on change":        func(in *RuleInput) { in.Schedule = "TRIGGER_ON_CHANGES" },
		"bad schedule":     func(in *RuleInput) { in.Schedule = "sometimes" },
		"unknown channel":  func(in *RuleInput) { in.Channel = "pager" },
		"no recipient":     func(in *RuleInput) { in.Recipient = "" },
		"bad trigger mode": func(in *RuleInput) { in.TriggerMode = "pulse" },
		"bad ticket enums": func(in *RuleInput) {
			in.Channel = "ticket"
			in.Ticket = &notification.TicketFields{IssueType: "Epic"}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := duplicateRule(true)
			mutate(&in)
			_, err := f.engine.Create(ctx, in)
			assert.ErrorIs(t, err, quality.ErrValidation)
		})
	}
}

func TestTick_FiresOncePerTick(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(true))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))

	outcome, err := f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.True(t, outcome.ConditionMet)
	assert.Equal(t, TickFired, outcome.Status)
	require.NotNil(t, outcome.Firing)
	assert.Equal(t, "CRITICAL", outcome.Firing.Severity)
	require.Equal(t, 1, f.notifier.count())
	assert.Contains(t, f.notifier.sent[0].Subject, "orders_duplicate_ids")
	assert.Contains(t, f.notifier.sent[0].Body, "测量值: 3")

	// 同一周期重复检查不会再次通知
	outcome, err = f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.Equal(t, TickDuplicate, outcome.Status)
	assert.Equal(t, 1, f.notifier.count())

	// 电平模式下条件持续成立，下一周期再次通知
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(4*time.Minute)))
	outcome, err = f.engine.Tick(ctx, rule.ID, tick0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)
	assert.Equal(t, 2, f.notifier.count())

	firings, err := f.engine.ListFirings(ctx, rule.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, firings, 2)

	deliveries, err := f.engine.ListDeliveries(ctx, rule.ID, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "sent", deliveries[0].Status)
}

func TestTick_ConditionNotMet(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(true))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(0)), testutil.MeasuredAt(tick0.Add(-time.Minute)))
	// 窗口之外的超标结果不参与判断
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(9)), testutil.MeasuredAt(tick0.Add(-10*time.Minute)))
	// NULL 不满足任何比较
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(nil), testutil.MeasuredAt(tick0.Add(-2*time.Minute)))

	outcome, err := f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.False(t, outcome.ConditionMet)
	assert.Equal(t, TickClear, outcome.Status)
	assert.Zero(t, f.notifier.count())
}

func TestTick_SuspendAndResume(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(true))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))

	_, err = f.engine.Suspend(ctx, rule.Name)
	require.NoError(t, err)

	outcome, err := f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.True(t, outcome.ConditionMet)
	assert.Equal(t, TickSuppressed, outcome.Status)
	assert.Zero(t, f.notifier.count())

	stored, err := f.engine.Get(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastEvaluatedAt)

	_, err = f.engine.Resume(ctx, rule.Name)
	require.NoError(t, err)
	outcome, err = f.engine.Tick(ctx, rule.ID, tick0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)
	assert.Equal(t, 1, f.notifier.count())
}

func TestTick_EdgeMode(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	in := duplicateRule(true)
	in.TriggerMode = models.TriggerModeEdge
	rule, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))

	outcome, err := f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)

	outcome, err = f.engine.Tick(ctx, rule.ID, tick0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickAlreadyFired, outcome.Status)
	assert.Equal(t, 1, f.notifier.count())

	// 条件恢复后再次成立时重新通知
	outcome, err = f.engine.Tick(ctx, rule.ID, tick0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickClear, outcome.Status)

	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(1)), testutil.MeasuredAt(tick0.Add(11*time.Minute)))
	outcome, err = f.engine.Tick(ctx, rule.ID, tick0.Add(12*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)
	assert.Equal(t, 2, f.notifier.count())
}

func TestTick_EdgeModeRetriesAfterFiringWriteFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	in := duplicateRule(true)
	in.TriggerMode = models.TriggerModeEdge
	rule, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))

	// 触发记录写入失败
	const hook = "test:fail_alert_firing"
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register(hook, func(tx *gorm.DB) {
		if tx.Statement.Table == "alert_firings" {
			_ = tx.AddError(errors.New("磁盘已满"))
		}
	}))
	_, err = f.engine.Tick(ctx, rule.ID, tick0)
	require.Error(t, err)
	require.NoError(t, f.db.Callback().Create().Remove(hook))

	stored, err := f.engine.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, stored.LastConditionMet)
	assert.Zero(t, f.notifier.count())

	// 条件仍成立，下一次检查补发
	outcome, err := f.engine.Tick(ctx, rule.ID, tick0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)
	assert.Equal(t, 1, f.notifier.count())

	stored, err = f.engine.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastConditionMet)
}

func TestTick_DispatchFailureStillRecordsFiring(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.notifier.err = &notification.DispatchError{Channel: notification.ChannelEmail, Reason: notification.ReasonNetwork, Err: errors.New("dial tcp: refused")}

	rule, err := f.engine.Create(ctx, duplicateRule(true))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))

	outcome, err := f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)
	assert.Equal(t, TickFired, outcome.Status)
	require.NotNil(t, outcome.Delivery)
	assert.Equal(t, "failed", outcome.Delivery.Status)
	assert.Contains(t, outcome.Delivery.ErrorMessage, "refused")

	firings, err := f.engine.ListFirings(ctx, rule.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, firings, 1)
}

func TestTicketRuleCarriesFields(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	in := duplicateRule(true)
	in.Channel = "ticket"
	in.Recipient = ""
	in.Ticket = &notification.TicketFields{IssueType: "incident", Priority: "high", Labels: []string{"dq"}}
	in.SubjectTemplate = "{{entity}} {{metric_name}} {{operator}} {{threshold}}"
	rule, err := f.engine.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "Incident", rule.TicketIssueType)

	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))
	_, err = f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)

	require.Equal(t, 1, f.notifier.count())
	msg := f.notifier.sent[0]
	assert.Equal(t, "orders duplicate_count > 0", msg.Subject)
	require.NotNil(t, msg.Ticket)
	assert.Equal(t, "High", msg.Ticket.Priority)
	assert.Equal(t, []string{"dq"}, msg.Ticket.Labels)

	deliveries, err := f.engine.ListDeliveries(ctx, rule.ID, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "DQ-1", deliveries[0].ExternalKey)
}

func TestDrop_KeepsFirings(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(true))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0.Add(-time.Minute)))
	_, err = f.engine.Tick(ctx, rule.ID, tick0)
	require.NoError(t, err)

	require.NoError(t, f.engine.Drop(ctx, rule.Name))
	_, err = f.engine.Get(ctx, rule.ID)
	assert.ErrorIs(t, err, quality.ErrNotFound)

	firings, err := f.engine.ListFirings(ctx, rule.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, firings, 1)
}

func TestTestFire(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	rule, err := f.engine.Create(ctx, duplicateRule(false))
	require.NoError(t, err)
	f.factory.CreateMetricResult("b1", "orders", "duplicate_count",
		testutil.WithValue(testutil.Float(3)), testutil.MeasuredAt(tick0))

	_, err = f.engine.TestFire(ctx, rule.Name)
	require.NoError(t, err)
	require.Equal(t, 1, f.notifier.count())
	assert.Contains(t, f.notifier.sent[0].Subject, "[TEST]")

	firings, err := f.engine.ListFirings(ctx, rule.ID, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, firings)
}

func TestRender(t *testing.T) {
	out := Render("{{rule_name}}: {{value}} {{operator}} {{threshold}} ({{severity}}) {{window}}", TemplateData{
		RuleName:  "r",
		Value:     testutil.Float(25),
		Operator:  "gte",
		Threshold: 25,
		Severity:  "WARNING",
		Window:    5 * time.Minute,
	})
	assert.Equal(t, "r: 25 >= 25 (WARNING) 5m0s", out)
	assert.Contains(t, Render("{{value}}", TemplateData{}), "NULL")
}
