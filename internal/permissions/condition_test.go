package permissions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateLeafOperators(t *testing.T) {
	eval := NewEvaluator(0, 0, nil)
	reqCtx := map[string]any{
		"amount": 150,
		"region": "EU",
		"level":  3.0,
	}

	cases := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"eq string", &Condition{Op: OpEq, Path: "region", Value: "EU"}, true},
		{"eq mismatch", &Condition{Op: OpEq, Path: "region", Value: "US"}, false},
		{"neq", &Condition{Op: OpNeq, Path: "region", Value: "US"}, true},
		{"gt numeric coercion", &Condition{Op: OpGt, Path: "amount", Value: 100.0}, true},
		{"lt false", &Condition{Op: OpLt, Path: "amount", Value: 100.0}, false},
		{"in hit", &Condition{Op: OpIn, Path: "region", Value: []any{"US", "EU"}}, true},
		{"in miss", &Condition{Op: OpIn, Path: "region", Value: []any{"US", "APAC"}}, false},
		{"in non-list value", &Condition{Op: OpIn, Path: "region", Value: "EU"}, false},
		{"int vs float eq", &Condition{Op: OpEq, Path: "level", Value: 3}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, eval.Evaluate(tc.cond, reqCtx))
		})
	}
}

func TestEvaluateCombinators(t *testing.T) {
	eval := NewEvaluator(0, 0, nil)
	reqCtx := map[string]any{"a": 1, "b": 2}

	and := &Condition{And: []*Condition{
		{Op: OpEq, Path: "a", Value: 1},
		{Op: OpEq, Path: "b", Value: 2},
	}}
	require.True(t, eval.Evaluate(and, reqCtx))

	or := &Condition{Or: []*Condition{
		{Op: OpEq, Path: "a", Value: 9},
		{Op: OpEq, Path: "b", Value: 2},
	}}
	require.True(t, eval.Evaluate(or, reqCtx))

	not := &Condition{Not: &Condition{Op: OpEq, Path: "a", Value: 9}}
	require.True(t, eval.Evaluate(not, reqCtx))
}

func TestEvaluateContextReference(t *testing.T) {
	eval := NewEvaluator(0, 0, nil)
	cond := &Condition{Op: OpEq, Path: "resource.ownerId", Value: "$context.userId"}

	owned := map[string]any{
		"userId":   "u-1",
		"resource": map[string]any{"ownerId": "u-1"},
	}
	require.True(t, eval.Evaluate(cond, owned))

	foreign := map[string]any{
		"userId":   "u-2",
		"resource": map[string]any{"ownerId": "u-1"},
	}
	require.False(t, eval.Evaluate(cond, foreign))
}

func TestEvaluateFailsClosed(t *testing.T) {
	eval := NewEvaluator(0, 0, nil)

	require.False(t, eval.Evaluate(nil, map[string]any{"a": 1}))
	// Missing attribute.
	require.False(t, eval.Evaluate(&Condition{Op: OpEq, Path: "missing", Value: 1}, map[string]any{}))
	// Missing referenced attribute.
	require.False(t, eval.Evaluate(
		&Condition{Op: OpEq, Path: "a", Value: "$context.gone"},
		map[string]any{"a": 1}))
	// Unknown operator.
	require.False(t, eval.Evaluate(&Condition{Op: "matches", Path: "a", Value: 1}, map[string]any{"a": 1}))
	// Type confusion on ordering.
	require.False(t, eval.Evaluate(&Condition{Op: OpGt, Path: "a", Value: "ten"}, map[string]any{"a": 5}))
	// Mixed variants on one node.
	mixed := &Condition{Op: OpEq, Path: "a", Value: 1, Not: &Condition{Op: OpEq, Path: "a", Value: 2}}
	require.False(t, eval.Evaluate(mixed, map[string]any{"a": 1}))
	// Nil request context.
	require.False(t, eval.Evaluate(&Condition{Op: OpEq, Path: "a", Value: 1}, nil))
}

func TestEvaluateBounds(t *testing.T) {
	eval := NewEvaluator(4, 2, nil)

	wide := &Condition{And: []*Condition{
		{Op: OpEq, Path: "a", Value: 1},
		{Op: OpEq, Path: "a", Value: 1},
		{Op: OpEq, Path: "a", Value: 1},
		{Op: OpEq, Path: "a", Value: 1},
	}}
	require.False(t, eval.Evaluate(wide, map[string]any{"a": 1}))

	deep := &Condition{Not: &Condition{Not: &Condition{Op: OpEq, Path: "a", Value: 1}}}
	require.False(t, eval.Evaluate(deep, map[string]any{"a": 1}))

	within := &Condition{Not: &Condition{Op: OpNeq, Path: "a", Value: 1}}
	require.True(t, eval.Evaluate(within, map[string]any{"a": 1}))
}

func TestValidateRejectsMalformed(t *testing.T) {
	eval := NewEvaluator(4, 2, nil)

	require.Error(t, eval.Validate(nil))
	require.Error(t, eval.Validate(&Condition{}))
	require.Error(t, eval.Validate(&Condition{Op: "regex", Path: "a", Value: 1}))
	require.Error(t, eval.Validate(&Condition{Op: OpEq, Value: 1}))
	require.Error(t, eval.Validate(&Condition{
		Op:  OpEq,
		Not: &Condition{Op: OpEq, Path: "a", Value: 1},
	}))
	require.Error(t, eval.Validate(&Condition{Not: &Condition{Not: &Condition{Not: &Condition{Op: OpEq, Path: "a", Value: 1}}}}))

	require.NoError(t, eval.Validate(&Condition{Op: OpEq, Path: "a", Value: 1}))
	require.NoError(t, eval.Validate(&Condition{And: []*Condition{
		{Op: OpEq, Path: "a", Value: 1},
		{Op: OpLt, Path: "b", Value: 10},
	}}))
}

func TestConditionRoundTripsThroughJSON(t *testing.T) {
	raw := `{"and":[{"op":"eq","path":"resource.ownerId","value":"$context.userId"},{"op":"lt","path":"amount","value":500}]}`
	var cond Condition
	require.NoError(t, json.Unmarshal([]byte(raw), &cond))

	eval := NewEvaluator(0, 0, nil)
	require.True(t, eval.Evaluate(&cond, map[string]any{
		"userId":   "u-1",
		"amount":   100.0,
		"resource": map[string]any{"ownerId": "u-1"},
	}))
}
