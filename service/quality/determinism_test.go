package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExpression(t *testing.T) {
	allowed := []string{
		"num(claim_amount) > num(coverage_limit)",
		"isNull(email) || !strings.Contains(str(email), \"@\")",
		"math.Abs(num(delta)) > 0.01",
	}
	for _, expr := range allowed {
		assert.NoError(t, CheckExpression("m", expr), expr)
	}

	rejected := map[string]string{
		"time.Now().Year() > 2020":   "Now()",
		"str(d) < CURRENT_TIMESTAMP": "CURRENT_TIMESTAMP",
		"rand.Float64() < 0.1":       "rand.Float64",
		"now() > 0":                  "now()",
		"os.Getenv(\"X\") == \"\"":   "os.Getenv",
		"str(d) < current_date":      "current_date",
	}
	for expr, ref := range rejected {
		err := CheckExpression("m", expr)
		var nd *NonDeterministicMetricError
		require.ErrorAs(t, err, &nd, expr)
		assert.Equal(t, ref, nd.Reference)
		assert.Equal(t, "m", nd.Metric)
	}

	assert.ErrorIs(t, CheckExpression("m", "a >"), ErrValidation)
}

func TestCheckScript(t *testing.T) {
	ok := `total := 0.0
for _, r := range rows {
	total += num(r["amount"])
}
return round(total, 2), nil`
	assert.NoError(t, CheckScript("m", ok))

	assert.ErrorIs(t, CheckScript("m", "ch := make(chan int)\nselect {\ncase <-ch:\n}\nreturn 0, nil"), ErrNonDeterministic)
	assert.ErrorIs(t, CheckScript("m", "return http.Get(\"x\")"), ErrNonDeterministic)
	assert.ErrorIs(t, CheckScript("m", "return 1,"), ErrValidation)
}

func TestCheckScript_MapIteration(t *testing.T) {
	rejected := map[string]string{
		"首行键":      "for k := range rows[0] {\n\treturn float64(len(k)), nil\n}\nreturn nil, nil",
		"遍历行变量":    "n := 0.0\nfor _, r := range rows {\n\tfor k := range r {\n\t\tn += float64(len(k))\n\t\tbreak\n\t}\n}\nreturn n, nil",
		"赋值得到的行":   "first := ref[0]\nfor _, v := range first {\n\treturn v, nil\n}\nreturn nil, nil",
		"局部 map":   "seen := map[string]float64{}\nfor k := range seen {\n\t_ = k\n}\nreturn 0, nil",
		"make map": "var counts = make(map[string]int)\nfor k := range counts {\n\t_ = k\n}\nreturn 0, nil",
		"指针格式化":    "return fmt.Sprintf(\"%p\", rows), nil",
	}
	for name, body := range rejected {
		t.Run(name, func(t *testing.T) {
			err := CheckScript("m", body)
			var nd *NonDeterministicMetricError
			require.ErrorAs(t, err, &nd)
			assert.Equal(t, "m", nd.Metric)
		})
	}

	// 按行与按切片遍历保持允许
	allowed := `keys := []string{"a", "b"}
sum := 0.0
for _, r := range rows[1:] {
	for _, k := range keys {
		sum += num(r[k])
	}
}
for i := range ref {
	sum += float64(i)
}
return sum, nil`
	assert.NoError(t, CheckScript("m", allowed))
}

func TestCheckExpression_RowIteration(t *testing.T) {
	err := CheckExpression("m", "func() bool { for k := range row { return k == \"a\" }; return false }()")
	assert.ErrorIs(t, err, ErrNonDeterministic)
}
