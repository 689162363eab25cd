package quality

import (
	"context"
	"fmt"
	"testing"
	"time"

	"dataquality-service/service/models"
	"dataquality-service/testutil"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type harness struct {
	db        *gorm.DB
	source    *MemoryEntitySource
	registry  *Registry
	results   *ResultStore
	guard     *InFlightGuard
	bindings  *BindingStore
	evaluator *Evaluator
}

func newHarness(t *testing.T, opts ...EvaluatorOption) *harness {
	t.Helper()
	db := testutil.SetupTestDB(t)
	source := NewMemoryEntitySource()
	return newHarnessWithSource(t, db, source, source, opts...)
}

func newHarnessWithSource(t *testing.T, db *gorm.DB, mem *MemoryEntitySource, source EntitySource, opts ...EvaluatorOption) *harness {
	t.Helper()
	registry := NewRegistry(db, NewScriptEngine(), time.Minute)
	results := NewResultStore(db)
	guard := NewInFlightGuard(nil, 0)
	return &harness{
		db:        db,
		source:    mem,
		registry:  registry,
		results:   results,
		guard:     guard,
		bindings:  NewBindingStore(db, registry, source, guard),
		evaluator: NewEvaluator(registry, source, results, guard, opts...),
	}
}

func (h *harness) define(t *testing.T, in MetricDefinitionInput) *models.MetricDefinition {
	t.Helper()
	def, err := h.registry.Define(context.Background(), in)
	require.NoError(t, err)
	return def
}

func (h *harness) bind(t *testing.T, req BindRequest) *models.MetricBinding {
	t.Helper()
	binding, err := h.bindings.Bind(context.Background(), req)
	require.NoError(t, err)
	return binding
}

func (h *harness) resultCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.MetricResult{}).Count(&n).Error)
	return n
}

func shape(cols ...models.ColumnSpec) models.InputShape {
	return models.InputShape{Relations: []models.RelationShape{{Columns: cols}}}
}

func col(name, typ string) models.ColumnSpec {
	return models.ColumnSpec{Name: name, Type: typ}
}

// putClaims 写入 20 条理赔记录，其中 exceeding 条理赔金额超过保额
func putClaims(source *MemoryEntitySource, exceeding int) {
	rows := make([]Row, 20)
	for i := range rows {
		amount := 500.0
		if i < exceeding {
			amount = 1500.0
		}
		rows[i] = Row{
			"claim_id":       fmt.Sprintf("C%03d", i),
			"claim_amount":   amount,
			"coverage_limit": 1000.0,
		}
	}
	source.Put("claims", []Column{
		{Name: "claim_id", Type: "varchar"},
		{Name: "claim_amount", Type: "numeric"},
		{Name: "coverage_limit", Type: "numeric"},
	}, rows)
}

func claimsExceedingInput(kind string) MetricDefinitionInput {
	return MetricDefinitionInput{
		Name:       "claims_exceeding_coverage_" + kind,
		Kind:       kind,
		InputShape: shape(col("claim_amount", TypeNumber), col("coverage_limit", TypeNumber)),
		Expression: "num(claim_amount) > num(coverage_limit)",
	}
}

func modelsShape2(first, second []string) models.InputShape {
	rel := func(names []string) models.RelationShape {
		cols := make([]models.ColumnSpec, len(names))
		for i, n := range names {
			cols[i] = col(n, TypeAny)
		}
		return models.RelationShape{Columns: cols}
	}
	return models.InputShape{Relations: []models.RelationShape{rel(first), rel(second)}}
}
