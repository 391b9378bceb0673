package permissions

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Condition is a bounded attribute predicate. Exactly one variant must be
// set: a leaf comparison (Op/Path/Value), And, Or, or Not. Anything else is
// malformed and evaluates to false.
type Condition struct {
	Op    string       `json:"op,omitempty"`
	Path  string       `json:"path,omitempty"`
	Value any          `json:"value,omitempty"`
	And   []*Condition `json:"and,omitempty"`
	Or    []*Condition `json:"or,omitempty"`
	Not   *Condition   `json:"not,omitempty"`
}

// Comparison operators accepted in leaf conditions.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpLt  = "lt"
	OpIn  = "in"
)

// ContextRefPrefix marks a leaf value that dereferences the request context
// instead of comparing against a literal, e.g. "$context.userId".
const ContextRefPrefix = "$context."

const (
	defaultMaxConditionNodes = 128
	defaultMaxConditionDepth = 8
)

// Evaluator interprets conditions against a request context. Malformed
// predicates, missing attributes, and oversized trees all evaluate to false;
// the evaluator never fails the caller.
type Evaluator struct {
	maxNodes int
	maxDepth int
	logger   *slog.Logger
}

// NewEvaluator constructs an Evaluator. Non-positive bounds fall back to the
// package defaults.
func NewEvaluator(maxNodes, maxDepth int, logger *slog.Logger) *Evaluator {
	if maxNodes <= 0 {
		maxNodes = defaultMaxConditionNodes
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxConditionDepth
	}
	return &Evaluator{maxNodes: maxNodes, maxDepth: maxDepth, logger: logger}
}

// Validate checks a condition's structure and bounds without evaluating it.
// The write path uses this to reject malformed predicates before they are
// stored; the read path never needs it because Evaluate fails closed.
func (e *Evaluator) Validate(cond *Condition) error {
	if cond == nil {
		return errors.New("permissions: condition is empty")
	}
	if nodes := countNodes(cond, e.maxNodes+1); nodes > e.maxNodes {
		return fmt.Errorf("permissions: condition exceeds %d nodes", e.maxNodes)
	}
	if depth(cond) > e.maxDepth {
		return fmt.Errorf("permissions: condition exceeds depth %d", e.maxDepth)
	}
	return validateNode(cond)
}

func validateNode(cond *Condition) error {
	variants := 0
	if cond.Op != "" {
		variants++
	}
	if len(cond.And) > 0 {
		variants++
	}
	if len(cond.Or) > 0 {
		variants++
	}
	if cond.Not != nil {
		variants++
	}
	if variants != 1 {
		return errors.New("permissions: condition node must have exactly one variant")
	}
	if cond.Op != "" {
		switch cond.Op {
		case OpEq, OpNeq, OpGt, OpLt, OpIn:
		default:
			return fmt.Errorf("permissions: unknown condition operator %q", cond.Op)
		}
		if cond.Path == "" {
			return errors.New("permissions: leaf condition requires a path")
		}
		return nil
	}
	for _, child := range cond.And {
		if child == nil {
			return errors.New("permissions: nil condition in and")
		}
		if err := validateNode(child); err != nil {
			return err
		}
	}
	for _, child := range cond.Or {
		if child == nil {
			return errors.New("permissions: nil condition in or")
		}
		if err := validateNode(child); err != nil {
			return err
		}
	}
	if cond.Not != nil {
		return validateNode(cond.Not)
	}
	return nil
}

// Evaluate returns whether the condition holds for the given context.
func (e *Evaluator) Evaluate(cond *Condition, reqCtx map[string]any) bool {
	if cond == nil {
		e.diag("empty condition")
		return false
	}
	if nodes := countNodes(cond, e.maxNodes+1); nodes > e.maxNodes {
		e.diag("condition exceeds node bound", slog.Int("max_nodes", e.maxNodes))
		return false
	}
	if depth(cond) > e.maxDepth {
		e.diag("condition exceeds depth bound", slog.Int("max_depth", e.maxDepth))
		return false
	}
	return e.eval(cond, reqCtx)
}

func (e *Evaluator) eval(cond *Condition, reqCtx map[string]any) bool {
	switch {
	case len(cond.And) > 0:
		if cond.Op != "" || cond.Not != nil || len(cond.Or) > 0 {
			e.diag("condition mixes variants")
			return false
		}
		for _, child := range cond.And {
			if child == nil || !e.eval(child, reqCtx) {
				return false
			}
		}
		return true
	case len(cond.Or) > 0:
		if cond.Op != "" || cond.Not != nil {
			e.diag("condition mixes variants")
			return false
		}
		for _, child := range cond.Or {
			if child != nil && e.eval(child, reqCtx) {
				return true
			}
		}
		return false
	case cond.Not != nil:
		if cond.Op != "" {
			e.diag("condition mixes variants")
			return false
		}
		return !e.eval(cond.Not, reqCtx)
	case cond.Op != "":
		return e.evalLeaf(cond, reqCtx)
	default:
		e.diag("condition has no variant")
		return false
	}
}

func (e *Evaluator) evalLeaf(cond *Condition, reqCtx map[string]any) bool {
	if cond.Path == "" {
		e.diag("leaf condition missing path", slog.String("op", cond.Op))
		return false
	}
	left, ok := lookupPath(reqCtx, cond.Path)
	if !ok {
		e.diag("attribute missing from context", slog.String("path", cond.Path))
		return false
	}
	right := cond.Value
	if ref, isRef := contextRef(right); isRef {
		right, ok = lookupPath(reqCtx, ref)
		if !ok {
			e.diag("referenced attribute missing from context", slog.String("path", ref))
			return false
		}
	}

	switch cond.Op {
	case OpEq:
		return looseEqual(left, right)
	case OpNeq:
		return !looseEqual(left, right)
	case OpGt:
		cmp, ok := compare(left, right)
		return ok && cmp > 0
	case OpLt:
		cmp, ok := compare(left, right)
		return ok && cmp < 0
	case OpIn:
		items, ok := right.([]any)
		if !ok {
			e.diag("in operator requires a list value", slog.String("path", cond.Path))
			return false
		}
		for _, item := range items {
			if looseEqual(left, item) {
				return true
			}
		}
		return false
	default:
		e.diag("unknown condition operator", slog.String("op", cond.Op))
		return false
	}
}

func (e *Evaluator) diag(msg string, attrs ...any) {
	if e.logger != nil {
		e.logger.Warn("condition evaluation: "+msg, attrs...)
	}
}

func contextRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, ContextRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, ContextRefPrefix), true
}

// lookupPath dereferences a dotted attribute path against nested maps.
func lookupPath(reqCtx map[string]any, path string) (any, bool) {
	if reqCtx == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = reqCtx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares scalars with numeric coercion so that JSON-decoded
// float64 values match integer-typed context attributes.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// compare orders two values when both are numbers or both are strings.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// countNodes walks the tree but stops once limit is passed, keeping the
// bound check itself O(limit) for adversarial trees.
func countNodes(cond *Condition, limit int) int {
	if cond == nil || limit <= 0 {
		return 0
	}
	total := 1
	for _, child := range cond.And {
		total += countNodes(child, limit-total)
		if total > limit {
			return total
		}
	}
	for _, child := range cond.Or {
		total += countNodes(child, limit-total)
		if total > limit {
			return total
		}
	}
	if cond.Not != nil {
		total += countNodes(cond.Not, limit-total)
	}
	return total
}

func depth(cond *Condition) int {
	if cond == nil {
		return 0
	}
	max := 0
	for _, child := range cond.And {
		if d := depth(child); d > max {
			max = d
		}
	}
	for _, child := range cond.Or {
		if d := depth(child); d > max {
			max = d
		}
	}
	if d := depth(cond.Not); d > max {
		max = d
	}
	return max + 1
}
