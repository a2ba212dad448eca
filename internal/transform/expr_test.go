package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

func evalString(t *testing.T, input string, source map[string]interface{}) (interface{}, error) {
	t.Helper()
	expr, err := ParseExpression(input)
	require.NoError(t, err)
	m := NewMapper(Env{}, nil)
	return expr.Eval(&EvalEnv{Source: source, Funcs: m.builtinFuncs()})
}

// TestExpressionLiterals tests literal parsing and evaluation
func TestExpressionLiterals(t *testing.T) {
	tests := []struct {
		input    string
		expected interface{}
	}{
		{"42", 42.0},
		{"3.14", 3.14},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"true", true},
		{"false", false},
		{"null", nil},
		{"-5", -5.0},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			v, err := evalString(t, tc.input, nil)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, v)
		})
	}
}

// TestExpressionArithmetic tests arithmetic operators and string concatenation
func TestExpressionArithmetic(t *testing.T) {
	tests := []struct {
		input    string
		expected interface{}
	}{
		{"1 + 2", 3.0},
		{"10 - 4", 6.0},
		{"3 * 4", 12.0},
		{"10 / 4", 2.5},
		{"2 * 3 - 1", 5.0},
		{"'a' + 1", "a1"},
		{"'order-' + 'xyz'", "order-xyz"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			v, err := evalString(t, tc.input, nil)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, v)
		})
	}
}

// TestExpressionDivisionByZero tests that division by zero fails evaluation
func TestExpressionDivisionByZero(t *testing.T) {
	_, err := evalString(t, "1 / 0", nil)
	assert.Error(t, err)
	assert.Equal(t, payerr.KindValidation, payerr.KindOf(err))
}

// TestExpressionComparisons tests comparison and string operators
func TestExpressionComparisons(t *testing.T) {
	source := map[string]interface{}{"amount": 150.0, "currency": "EUR"}
	tests := []struct {
		input    string
		expected bool
	}{
		{"${source.amount} > 100", true},
		{"${source.amount} <= 100", false},
		{"${source.amount} == 150", true},
		{"${source.currency} != 'USD'", true},
		{"${source.currency} startsWith 'EU'", true},
		{"${source.currency} endsWith 'SD'", false},
		{"${source.currency} contains 'UR'", true},
		{"'10' < '9'", true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			v, err := evalString(t, tc.input, source)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, v)
		})
	}
}

// TestExpressionTernary tests ternary selection
func TestExpressionTernary(t *testing.T) {
	source := map[string]interface{}{"amount": 50.0}
	v, err := evalString(t, "${source.amount} > 100 ? 'HIGH' : 'LOW'", source)
	assert.NoError(t, err)
	assert.Equal(t, "LOW", v)
}

// TestExpressionTernaryIsStrict tests that both branches evaluate
// before selection, so an error in the unselected branch still fails.
func TestExpressionTernaryIsStrict(t *testing.T) {
	source := map[string]interface{}{"amount": 50.0}
	_, err := evalString(t, "${source.amount} > 100 ? ${source.missing} : 'LOW'", source)
	assert.Error(t, err)
	assert.ErrorIs(t, err, payerr.ErrMissingRequiredField)
}

// TestExpressionRefs tests source field references including nested paths
func TestExpressionRefs(t *testing.T) {
	source := map[string]interface{}{
		"debtor": map[string]interface{}{"name": "ACME"},
		"count":  int64(7),
	}

	v, err := evalString(t, "${source.debtor.name}", source)
	assert.NoError(t, err)
	assert.Equal(t, "ACME", v)

	// integer source values normalize to float64
	v, err = evalString(t, "${source.count} + 1", source)
	assert.NoError(t, err)
	assert.Equal(t, 8.0, v)

	_, err = evalString(t, "${source.nope}", source)
	assert.ErrorIs(t, err, payerr.ErrMissingRequiredField)
}

// TestExpressionFunctions tests the builtin function registry
func TestExpressionFunctions(t *testing.T) {
	v, err := evalString(t, "upper('abc')", nil)
	assert.NoError(t, err)
	assert.Equal(t, "ABC", v)

	v, err = evalString(t, "concat('a', 1, true)", nil)
	assert.NoError(t, err)
	assert.Equal(t, "a1true", v)

	v, err = evalString(t, "len('hello')", nil)
	assert.NoError(t, err)
	assert.Equal(t, 5.0, v)

	_, err = evalString(t, "nope(1)", nil)
	assert.Error(t, err)
	assert.ErrorIs(t, err, payerr.ErrExpressionEval)
}

// TestExpressionParseErrors tests lexer and parser failure modes
func TestExpressionParseErrors(t *testing.T) {
	inputs := []string{
		"${amount}",     // reference without source. prefix
		"${source.x",    // unterminated reference
		"'unclosed",     // unterminated string
		"1 +",           // dangling operator
		"foo",           // bare identifier
		"1 ? 2",         // ternary missing colon
		"upper('a'",     // unclosed call
		"@",             // unknown character
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseExpression(input)
			assert.Error(t, err)
		})
	}
}
