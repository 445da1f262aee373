package expression

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"testing/fstest"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	values "pointcalc/internal/values/domain"
)

const (
	defaultBudget = 100 * time.Millisecond
	entryFunc     = "evaluate"
)

var (
	identPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	returnPattern = regexp.MustCompile(`\breturn\b`)
	reservedNames = map[string]struct{}{"math": {}, entryFunc: {}, "_": {}}
)

// Request describes one evaluation.
type Request struct {
	Body       string
	Bindings   map[string]any
	Budget     time.Duration
	ResultType values.DataType
}

// Result is a coerced evaluation outcome.
type Result struct {
	Value    any
	Type     values.DataType
	Duration time.Duration
}

// Evaluator runs user formulas inside a restricted interpreter. Each call gets
// a fresh interpreter exposing only the math package, so no evaluation can
// observe state left behind by another.
type Evaluator struct {
	budget  time.Duration
	exports interp.Exports
}

// Option configures the evaluator.
type Option func(*Evaluator)

// WithDefaultBudget sets the budget used when a request carries none.
func WithDefaultBudget(budget time.Duration) Option {
	return func(e *Evaluator) {
		if budget > 0 {
			e.budget = budget
		}
	}
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		budget: defaultBudget,
		exports: interp.Exports{
			"math/math": stdlib.Symbols["math/math"],
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs a formula and coerces the result to the requested type.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	raw, err := e.Run(ctx, req.Body, req.Bindings, req.Budget)
	if err != nil {
		return Result{Duration: time.Since(start)}, err
	}
	resultType := req.ResultType
	if resultType == "" {
		resultType = values.DataTypeFloat
	}
	value, err := Coerce(raw, resultType)
	if err != nil {
		return Result{Duration: time.Since(start)}, err
	}
	return Result{Value: value, Type: resultType, Duration: time.Since(start)}, nil
}

// Run evaluates a formula and returns the uncoerced result.
func (e *Evaluator) Run(ctx context.Context, body string, bindings map[string]any, budget time.Duration) (any, error) {
	if e == nil {
		return nil, errors.New("expression: nil evaluator")
	}
	src, err := e.source(body, bindings)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = e.budget
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	i, err := e.interpreter()
	if err != nil {
		return nil, newEvalError(ErrEvalScript, err)
	}
	if _, err := i.EvalWithContext(runCtx, src); err != nil {
		return nil, classify(runCtx, err)
	}
	v, err := i.EvalWithContext(runCtx, entryFunc+"()")
	if err != nil {
		return nil, classify(runCtx, err)
	}
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if !v.IsValid() || !v.CanInterface() {
		return nil, nil
	}
	return v.Interface(), nil
}

// Validate compiles a formula in a fresh sandbox without running it. The
// bindings carry representative values so that undefined names and type
// errors are reported as well as syntax errors.
func (e *Evaluator) Validate(body string, bindings map[string]any) (err error) {
	if e == nil {
		return errors.New("expression: nil evaluator")
	}
	src, err := e.source(body, bindings)
	if err != nil {
		return err
	}
	i, err := e.interpreter()
	if err != nil {
		return newEvalError(ErrEvalScript, err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = newEvalError(ErrEvalScript, fmt.Errorf("compile panic: %v", r))
		}
	}()
	if _, err := i.Compile(src); err != nil {
		return newEvalError(ErrEvalScript, err)
	}
	return nil
}

func (e *Evaluator) interpreter() (*interp.Interpreter, error) {
	i := interp.New(interp.Options{
		Stdin:                strings.NewReader(""),
		Stdout:               io.Discard,
		Stderr:               io.Discard,
		Env:                  []string{},
		SourcecodeFilesystem: fstest.MapFS{},
	})
	if err := i.Use(e.exports); err != nil {
		return nil, err
	}
	return i, nil
}

func (e *Evaluator) source(body string, bindings map[string]any) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", newEvalError(ErrEvalScript, errors.New("empty formula"))
	}
	if !returnPattern.MatchString(body) {
		body = "return " + body
	}

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("package main\n\nimport \"math\"\n\nvar _ = math.Pi\n\n")
	b.WriteString("func " + entryFunc + "() interface{} {\n")
	for _, name := range names {
		if err := validName(name); err != nil {
			return "", err
		}
		typ, lit, err := literal(bindings[name])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\tvar %s %s = %s\n\t_ = %s\n", name, typ, lit, name)
	}
	b.WriteString(body)
	b.WriteString("\n}\n")
	return b.String(), nil
}

func validName(name string) error {
	if !identPattern.MatchString(name) || token.IsKeyword(name) {
		return newEvalError(ErrInvalidBinding, fmt.Errorf("invalid variable name %q", name))
	}
	if _, reserved := reservedNames[name]; reserved {
		return newEvalError(ErrInvalidBinding, fmt.Errorf("reserved variable name %q", name))
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newEvalError(ErrEvalTimeout, ctxErr)
	}
	return newEvalError(ErrEvalScript, err)
}
