package quality

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dataquality-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, comp *Computation, rows, ref []Row) *float64 {
	t.Helper()
	v, err := comp.Run(context.Background(), rows, ref)
	require.NoError(t, err)
	return v
}

func TestComputation_BuiltinKinds(t *testing.T) {
	rows := []Row{
		{"v": "a"}, {"v": "a"}, {"v": "b"}, {"v": nil}, {"v": "c"},
	}
	single := []string{"v"}

	assert.Equal(t, 5.0, *run(t, &Computation{Kind: KindRowCount}, rows, nil))
	assert.Equal(t, 1.0, *run(t, &Computation{Kind: KindNullCount, Columns: single}, rows, nil))
	assert.Equal(t, 20.0, *run(t, &Computation{Kind: KindNullPercent, Columns: single}, rows, nil))
	assert.Equal(t, 1.0, *run(t, &Computation{Kind: KindDuplicateCount, Columns: single}, rows, nil))
	assert.Equal(t, 20.0, *run(t, &Computation{Kind: KindDuplicatePercent, Columns: single}, rows, nil))
	assert.Equal(t, 3.0, *run(t, &Computation{Kind: KindUniqueCount, Columns: single}, rows, nil))
	assert.Equal(t, 3.0, *run(t, &Computation{Kind: KindDistinctCount, Columns: single}, rows, nil))
}

func TestComputation_EmptyInput(t *testing.T) {
	assert.Equal(t, 0.0, *run(t, &Computation{Kind: KindRowCount}, nil, nil))
	assert.Nil(t, run(t, &Computation{Kind: KindNullPercent, Columns: []string{"v"}}, nil, nil))
	assert.Nil(t, run(t, &Computation{Kind: KindAvg, Columns: []string{"v"}}, []Row{{"v": nil}}, nil))
}

func TestComputation_CompositeKeys(t *testing.T) {
	rows := []Row{
		{"a": 1.0, "b": "x"},
		{"a": 1.0, "b": "x"},
		{"a": 1.0, "b": "y"},
		{"a": "1", "b": "x"}, // 类型不同不视为重复
		{"a": nil, "b": "x"},
	}
	comp := &Computation{Kind: KindDuplicateCount, Columns: []string{"a", "b"}}
	assert.Equal(t, 1.0, *run(t, comp, rows, nil))

	comp = &Computation{Kind: KindNullCount, Columns: []string{"a", "b"}}
	assert.Equal(t, 1.0, *run(t, comp, rows, nil))
}

func TestComputation_Aggregates(t *testing.T) {
	rows := []Row{{"v": 1.0}, {"v": 2.5}, {"v": nil}, {"v": "4"}}
	col := []string{"v"}
	assert.Equal(t, 7.5, *run(t, &Computation{Kind: KindSum, Columns: col}, rows, nil))
	assert.Equal(t, 2.5, *run(t, &Computation{Kind: KindAvg, Columns: col}, rows, nil))
	assert.Equal(t, 1.0, *run(t, &Computation{Kind: KindMin, Columns: col}, rows, nil))
	assert.Equal(t, 4.0, *run(t, &Computation{Kind: KindMax, Columns: col}, rows, nil))

	_, err := (&Computation{Kind: KindSum, Columns: col}).Run(context.Background(), []Row{{"v": "abc"}}, nil)
	assert.Error(t, err)
}

func TestComputation_Orphans(t *testing.T) {
	orders := []Row{{"customer_id": 1.0}, {"customer_id": 2.0}, {"customer_id": 9.0}, {"customer_id": nil}}
	customers := []Row{{"id": 1.0}, {"id": 2.0}}
	comp := &Computation{Kind: KindOrphanCount, Columns: []string{"customer_id"}, RefCols: []string{"id"}}
	assert.Equal(t, 1.0, *run(t, comp, orders, customers))
}

func TestComputation_PredicatesAndScripts(t *testing.T) {
	h := newHarness(t)
	rows := []Row{{"email": "a@x.com"}, {"email": "broken"}, {"email": nil}, {"email": "c@x.com"}}

	def := &models.MetricDefinition{
		Name:       "invalid_email_rate",
		Kind:       string(KindRateIf),
		InputShape: shape(col("email", TypeText)),
		Expression: `!isNull(email) && !strings.Contains(str(email), "@")`,
	}
	comp, err := h.registry.Compile(def)
	require.NoError(t, err)
	assert.Equal(t, 25.0, *run(t, comp, rows, nil))

	script := &models.MetricDefinition{
		Name:       "avg_email_length",
		Kind:       string(KindScript),
		InputShape: shape(col("email", TypeText)),
		Expression: `total, n := 0.0, 0
for _, r := range rows {
	if isNull(r["email"]) {
		continue
	}
	total += float64(len(str(r["email"])))
	n++
}
if n == 0 {
	return nil, nil
}
return round(total/float64(n), 2), nil`,
	}
	comp, err = h.registry.Compile(script)
	require.NoError(t, err)
	assert.Equal(t, 6.67, *run(t, comp, rows, nil))
	assert.Nil(t, run(t, comp, []Row{{"email": nil}}, nil))

	panicky := &models.MetricDefinition{
		Name:       "panics",
		Kind:       string(KindScript),
		InputShape: shape(col("email", TypeText)),
		Expression: `return rows[100]["email"], nil`,
	}
	comp, err = h.registry.Compile(panicky)
	require.NoError(t, err)
	_, err = comp.Run(context.Background(), rows, nil)
	assert.Error(t, err)
}

func TestComputation_CancelledContext(t *testing.T) {
	h := newHarness(t)
	comp, err := h.registry.Compile(&models.MetricDefinition{
		Name:       "c",
		Kind:       string(KindCountIf),
		InputShape: shape(col("v", TypeAny)),
		Expression: "num(v) > 0",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = comp.Run(ctx, []Row{{"v": 1.0}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComputation_CancelStopsSpinningScript(t *testing.T) {
	h := newHarness(t)
	comp, err := h.registry.Compile(&models.MetricDefinition{
		Name:       "spin",
		Kind:       string(KindScript),
		InputShape: shape(col("v", TypeAny)),
		Expression: `n := 0.0
for {
	n++
}
return n, nil`,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := comp.Run(ctx, []Row{{"v": 1.0}}, nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后脚本仍在运行")
	}
}

func TestComputation_ConcurrentRunsShareProgram(t *testing.T) {
	h := newHarness(t)
	def := &models.MetricDefinition{
		Name:       "positive",
		Kind:       string(KindCountIf),
		InputShape: shape(col("v", TypeAny)),
		Expression: "num(v) > 0",
	}
	rows := []Row{{"v": 1.0}, {"v": -1.0}, {"v": 2.0}}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			comp, err := h.registry.Compile(def)
			if err != nil {
				errs <- err
				return
			}
			v, err := comp.Run(context.Background(), rows, nil)
			if err == nil && (v == nil || *v != 2) {
				err = fmt.Errorf("意外的结果 %v", v)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	// 同一源码只缓存一份程序
	assert.Equal(t, 1, h.registry.engine.CacheSize())
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, 3.0, NormalizeValue(int64(3)))
	assert.Equal(t, "abc", NormalizeValue([]byte("abc")))
	assert.Nil(t, NormalizeValue(nil))
	assert.Equal(t, true, NormalizeValue(true))
}

func TestNormalizeColumnType(t *testing.T) {
	cases := map[string]string{
		"integer":                  TypeNumber,
		"NUMERIC(10,2)":            TypeNumber,
		"varchar":                  TypeText,
		"uuid":                     TypeText,
		"boolean":                  TypeBoolean,
		"timestamp with time zone": TypeTimestamp,
		"date":                     TypeTimestamp,
		"interval":                 TypeOther,
		"point":                    TypeOther,
		"":                         TypeOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeColumnType(in), in)
	}
}
