// Package script implements the sandboxed, resource-capped predicate/
// producer evaluator used by Trigger.logic and Hook.logic/transform.
// It is a small, dependency-free, pure-data expression language, not
// an embedded JS engine.
//
// Grammar (informal):
//
//	expr := orExpr
//	orExpr := andExpr ( "||" andExpr )*
//	andExpr := notExpr ( "&&" notExpr )*
//	notExpr := "!" notExpr | cmpExpr
//	cmpExpr := addExpr ( ("==" | "!=" | ">" | ">=" | "<" | "<=") addExpr )?
//	addExpr := primary ( ("+") primary )*
//	primary := NUMBER | STRING | "true" | "false" | "null"
//	            | path  | "(" expr ")" | object | array
//	path := IDENT ( "." IDENT | "[" expr "]" )*
//	object := "{" ( key ":" expr ("," key ":" expr)* )? "}"
//	key := STRING | IDENT
//	array := "[" ( expr ("," expr)* )? "]"
package script

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded is returned when a script exceeds its statement
// budget — the sandbox's defence against runaway/looping scripts. This
// grammar has no loops, so in practice it bounds AST node evaluation
// count, catching pathologically large expressions.
var ErrBudgetExceeded = errors.New("script: evaluation budget exceeded")

// MaxSteps bounds the number of AST nodes evaluated per Run call.
const MaxSteps = 10000

// DefaultTimeout is the wall-clock budget for a single evaluation.
const DefaultTimeout = 100 * time.Millisecond

// Bindings is the read-only facade exposed to a script: cluster,
// ledger, message, result, iteration.
type Bindings map[string]any

// Script is a parsed, reusable expression.
type Script struct {
	source string
	node   node
}

// Parse compiles source into a reusable Script. A script that fails
// to parse is rejected at config-validation time, before any cluster
// starts.
func Parse(source string) (*Script, error) {
	p := &parser{lex: newLexer(source)}
	n, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("script: parse error: %w", err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("script: unexpected trailing input at %q", p.remainder())
	}
	return &Script{source: source, node: n}, nil
}

// MustValid reports whether source parses without error — used by the
// Config Validator, which only needs the syntax check, not a result.
func MustValid(source string) error {
	_, err := Parse(source)
	return err
}

// Run evaluates the script against bindings, bounded by MaxSteps and a
// wall-clock deadline. The result is whatever Go value the expression
// produces: bool for predicates, map[string]any for message/object
// producers, or a scalar.
func (s *Script) Run(ctx context.Context, bindings Bindings) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	ev := &evaluator{bindings: bindings, ctx: ctx}
	done := make(chan struct{})
	var result any
	var err error
	go func() {
		defer close(done)
		result, err = ev.eval(s.node)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, fmt.Errorf("script: %w", ctx.Err())
	}
}

// Source returns the original script text.
func (s *Script) Source() string { return s.source }
