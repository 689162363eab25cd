package quality

import (
	"context"
	"testing"

	"dataquality-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefine_RejectsNonDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []MetricDefinitionInput{
		{
			Name:       "recent_claims",
			Kind:       "SCRIPT",
			InputShape: shape(col("filed_at", TypeTimestamp)),
			Expression: "_ = time.Now()\nreturn float64(len(rows)), nil",
		},
		{
			Name:       "future_orders",
			Kind:       "COUNT_IF",
			InputShape: shape(col("order_date", TypeAny)),
			Expression: "str(order_date) > CURRENT_DATE",
		},
		{
			Name:       "sampled",
			Kind:       "COUNT_IF",
			InputShape: shape(col("v", TypeAny)),
			Expression: "random() > 0.5",
		},
		{
			Name:       "spawns",
			Kind:       "SCRIPT",
			InputShape: shape(col("v", TypeAny)),
			Expression: "go func() {}()\nreturn 1, nil",
		},
	}
	for _, in := range cases {
		t.Run(in.Name, func(t *testing.T) {
			_, err := h.registry.Define(ctx, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNonDeterministic)

			_, err = h.registry.Get(ctx, in.Name)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDefine_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]MetricDefinitionInput{
		"empty name":       {Kind: "ROW_COUNT"},
		"unknown kind":     {Name: "m", Kind: "MEDIAN"},
		"missing expr":     {Name: "m", Kind: "COUNT_IF", InputShape: shape(col("a", TypeAny))},
		"unexpected expr":  {Name: "m", Kind: "NULL_COUNT", InputShape: shape(col("a", TypeAny)), Expression: "a"},
		"reserved column":  {Name: "m", Kind: "NULL_COUNT", InputShape: shape(col("row", TypeAny))},
		"bad identifier":   {Name: "m", Kind: "NULL_COUNT", InputShape: shape(col("first name", TypeAny))},
		"duplicate column": {Name: "m", Kind: "NULL_COUNT", InputShape: shape(col("a", TypeAny), col("a", TypeAny))},
		"bad column type":  {Name: "m", Kind: "NULL_COUNT", InputShape: shape(col("a", "BLOB"))},
		"sum of text":      {Name: "m", Kind: "SUM", InputShape: shape(col("a", TypeText))},
		"sum two columns":  {Name: "m", Kind: "SUM", InputShape: shape(col("a", TypeNumber), col("b", TypeNumber))},
		"orphan single":    {Name: "m", Kind: "ORPHAN_COUNT", InputShape: shape(col("a", TypeAny))},
		"syntax error":     {Name: "m", Kind: "COUNT_IF", InputShape: shape(col("a", TypeAny)), Expression: "a >"},
		"compile error":    {Name: "m", Kind: "COUNT_IF", InputShape: shape(col("a", TypeAny)), Expression: "undefinedFn(a)"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.registry.Define(ctx, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestDefine_ReplaceBumpsVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.define(t, claimsExceedingInput("COUNT_IF"))
	assert.Equal(t, 1, first.Version)

	in := claimsExceedingInput("COUNT_IF")
	in.Expression = "num(claim_amount) >= num(coverage_limit)"
	in.Description = "含等于"
	second := h.define(t, in)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, in.Expression, second.Expression)

	got, err := h.registry.Get(ctx, in.Name)
	require.NoError(t, err)
	assert.Equal(t, "含等于", got.Description)
}

func TestDefine_ShapeChangeRejectedWhileBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putClaims(h.source, 2)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	in := claimsExceedingInput("COUNT_IF")
	in.InputShape = shape(col("claim_amount", TypeNumber))
	in.Expression = "num(claim_amount) > 1000"
	_, err := h.registry.Define(ctx, in)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// 结构不变时允许替换表达式
	same := claimsExceedingInput("COUNT_IF")
	same.Expression = "num(claim_amount) > num(coverage_limit) * 2"
	_, err = h.registry.Define(ctx, same)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putClaims(h.source, 2)
	h.define(t, claimsExceedingInput("COUNT_IF"))
	binding := h.bind(t, BindRequest{
		Entity:     "claims",
		Columns:    []string{"claim_amount", "coverage_limit"},
		MetricName: "claims_exceeding_coverage_COUNT_IF",
	})

	err := h.registry.Delete(ctx, "claims_exceeding_coverage_COUNT_IF")
	assert.ErrorIs(t, err, ErrDefinitionInUse)

	require.NoError(t, h.bindings.Unbind(ctx, binding.ID))
	require.NoError(t, h.registry.Delete(ctx, "claims_exceeding_coverage_COUNT_IF"))

	_, err = h.registry.Get(ctx, "claims_exceeding_coverage_COUNT_IF")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.registry.Delete(ctx, "missing"), ErrNotFound)
}

func TestEnsureBuiltins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.EnsureBuiltins(ctx, map[string]string{"ROW_COUNT": "行数"}))
	require.NoError(t, h.registry.EnsureBuiltins(ctx, nil))

	defs, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, len(BuiltinMetrics()))

	rowCount, err := h.registry.Get(ctx, "ROW_COUNT")
	require.NoError(t, err)
	assert.True(t, rowCount.IsBuiltIn)
	assert.Equal(t, "行数", rowCount.Description)
	require.Len(t, rowCount.InputShape.Relations, 1)
	assert.Empty(t, rowCount.InputShape.Relations[0].Columns)

	nullCount, err := h.registry.Get(ctx, "NULL_COUNT")
	require.NoError(t, err)
	assert.Equal(t, []models.ColumnSpec{{Name: "value", Type: TypeAny}}, nullCount.InputShape.Relations[0].Columns)
}
