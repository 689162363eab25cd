package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putOrdersAndCustomers(source *MemoryEntitySource) {
	source.Put("customers", []Column{{Name: "id", Type: "bigint"}, {Name: "email", Type: "text"}}, []Row{
		{"id": 1, "email": "a@x.com"}, {"id": 2, "email": "b@x.com"},
	})
	source.Put("orders", []Column{{Name: "order_id", Type: "bigint"}, {Name: "customer_id", Type: "bigint"}}, []Row{
		{"order_id": 10, "customer_id": 1},
		{"order_id": 11, "customer_id": 3},
		{"order_id": 12, "customer_id": nil},
	})
}

func TestBind_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putOrdersAndCustomers(h.source)
	require.NoError(t, h.registry.EnsureBuiltins(ctx, nil))

	req := BindRequest{Entity: "customers", Columns: []string{"email"}, MetricName: "NULL_COUNT"}
	first := h.bind(t, req)
	second := h.bind(t, req)
	assert.Equal(t, first.ID, second.ID)

	other := h.bind(t, BindRequest{Entity: "customers", Columns: []string{"id"}, MetricName: "NULL_COUNT"})
	assert.NotEqual(t, first.ID, other.ID)

	bindings, err := h.bindings.ListBindings(ctx, "customers")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestBind_ShapeMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putOrdersAndCustomers(h.source)
	require.NoError(t, h.registry.EnsureBuiltins(ctx, nil))
	h.define(t, MetricDefinitionInput{
		Name:       "total_amount",
		Kind:       "SUM",
		InputShape: shape(col("amount", TypeNumber)),
	})

	cases := map[string]BindRequest{
		"arity":          {Entity: "customers", Columns: []string{"id", "email"}, MetricName: "NULL_COUNT"},
		"missing column": {Entity: "customers", Columns: []string{"phone"}, MetricName: "NULL_COUNT"},
		"type":           {Entity: "customers", Columns: []string{"email"}, MetricName: "total_amount"},
		"second entity":  {Entity: "customers", Columns: []string{"id"}, MetricName: "NULL_COUNT", SecondEntity: "orders"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.bindings.Bind(ctx, req)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}

	_, err := h.bindings.Bind(ctx, BindRequest{Entity: "customers", Columns: []string{"id"}, MetricName: "total_amount"})
	require.NoError(t, err)
}

func TestBind_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.EnsureBuiltins(ctx, nil))

	_, err := h.bindings.Bind(ctx, BindRequest{Entity: "nowhere", Columns: []string{"x"}, MetricName: "NULL_COUNT"})
	assert.ErrorIs(t, err, ErrNotFound)

	putOrdersAndCustomers(h.source)
	_, err = h.bindings.Bind(ctx, BindRequest{Entity: "customers", Columns: []string{"id"}, MetricName: "NO_SUCH_METRIC"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, h.bindings.Unbind(ctx, "missing"), ErrNotFound)
}

func TestBind_OrphanCountAcrossEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	putOrdersAndCustomers(h.source)
	h.define(t, MetricDefinitionInput{
		Name:       "orphan_orders",
		Kind:       "ORPHAN_COUNT",
		InputShape: modelsShape2([]string{"fk"}, []string{"pk"}),
	})

	_, err := h.bindings.Bind(ctx, BindRequest{Entity: "orders", Columns: []string{"customer_id"}, MetricName: "orphan_orders"})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	binding := h.bind(t, BindRequest{
		Entity:        "orders",
		Columns:       []string{"customer_id"},
		MetricName:    "orphan_orders",
		SecondEntity:  "customers",
		SecondColumns: []string{"id"},
	})
	result, err := h.evaluator.Evaluate(ctx, binding)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *result.Value)
}
