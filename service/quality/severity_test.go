package quality

import (
	"testing"

	"dataquality-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestClassifier_Defaults(t *testing.T) {
	c, err := NewClassifier(DefaultSeverityRules())
	require.NoError(t, err)

	cases := []struct {
		metric string
		value  *float64
		want   Severity
	}{
		{"invalid_email_count", fp(1), SeverityCritical},
		{"invalid_email_count", fp(0), SeverityOK},
		{"ORPHAN_ORDERS", fp(3), SeverityCritical},
		{"DUPLICATE_COUNT", fp(2), SeverityCritical},
		{"null_rate", fp(30), SeverityWarning},
		{"null_rate", fp(25), SeverityOK},
		{"row_count", fp(1e6), SeverityOK},
		{"duplicate_count", nil, SeverityOK},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.ClassifyValue(tc.metric, tc.value), "%s=%v", tc.metric, tc.value)
	}
}

func TestClassifier_IsPure(t *testing.T) {
	c, err := NewClassifier(DefaultSeverityRules())
	require.NoError(t, err)
	result := &models.MetricResult{MetricName: "orphan_count", Value: fp(5)}

	first := c.Classify(result)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify(result))
	}
	assert.Equal(t, SeverityOK, c.Classify(nil))

	rules := c.Rules()
	rules[1].Severity = SeverityOK
	assert.Equal(t, SeverityCritical, c.Classify(result))
}

func TestClassifier_CustomRulesFirstMatchWins(t *testing.T) {
	c, err := NewClassifier([]SeverityRule{
		{Pattern: "claims_*", Operator: ">=", Threshold: 10, Severity: SeverityCritical},
		{Pattern: "claims_*", Operator: ">", Threshold: 0, Severity: SeverityWarning},
	})
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, c.ClassifyValue("claims_exceeding_coverage", fp(10)))
	assert.Equal(t, SeverityWarning, c.ClassifyValue("claims_exceeding_coverage", fp(5)))
	assert.Equal(t, SeverityOK, c.ClassifyValue("claims_exceeding_coverage", fp(0)))
	assert.Equal(t, SeverityOK, c.ClassifyValue("other", fp(100)))
}

func TestNewClassifier_InvalidRules(t *testing.T) {
	_, err := NewClassifier([]SeverityRule{{Pattern: "*", Operator: "~", Severity: SeverityWarning}})
	assert.Error(t, err)
	_, err = NewClassifier([]SeverityRule{{Pattern: "*", Operator: "gt", Severity: "FATAL"}})
	assert.Error(t, err)
	_, err = NewClassifier([]SeverityRule{{Pattern: " ", Operator: "gt", Severity: SeverityWarning}})
	assert.Error(t, err)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("row_count", "ROW_COUNT"))
	assert.True(t, MatchPattern("null_*", "NULL_PERCENT"))
	assert.True(t, MatchPattern("*_percent", "duplicate_PERCENT"))
	assert.True(t, MatchPattern("*orphan*", "customer_orphan_rows"))
	assert.False(t, MatchPattern("null_*", "not_null"))
	assert.False(t, MatchPattern("row_count", "row_count_2"))
}

func TestCompare(t *testing.T) {
	assert.True(t, Compare("gt", 1, 0))
	assert.False(t, Compare("gt", 0, 0))
	assert.True(t, Compare("gte", 0, 0))
	assert.True(t, Compare("lt", -1, 0))
	assert.True(t, Compare("lte", 0, 0))
	assert.True(t, Compare("eq", 0.1+0.2, 0.3))
	assert.True(t, Compare("ne", 1, 2))
	assert.False(t, Compare("bogus", 1, 0))
}
