package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Host is the bounded capability surface a running script may call. Every
// method is already bound to the executing agent's context; the interpreter
// never sees agent or owner ids.
type Host interface {
	// Notify delivers a message to the owning user. Best effort: failures
	// are surfaced as an error but the interpreter only logs them.
	Notify(ctx context.Context, text string) error

	// GetState reads a durable state key, nil if absent.
	GetState(ctx context.Context, key string) (any, error)

	// SetState durably writes a state key.
	SetState(ctx context.Context, key string, value any) error

	// Fetch performs an HTTP request. Failures come back inside the
	// result, never as the error return, except for context cancellation.
	Fetch(ctx context.Context, req FetchStep) FetchResult

	// TonBalance reads an on-chain balance, returned as a decimal string
	// in TON. Read-only.
	TonBalance(ctx context.Context, address string) (string, error)

	// Secret reads a stored per-user variable. ok is false if unset.
	Secret(ctx context.Context, name string) (value string, ok bool, err error)

	// CallPlugin invokes an installed plugin operation.
	CallPlugin(ctx context.Context, pluginID, op string, args map[string]any) (any, error)
}

// LogSink receives log lines produced during a run: explicit log steps and
// one synthetic entry per host-call failure.
type LogSink func(level, message string)

// Limits bound a single interpretation.
type Limits struct {
	// MaxSteps caps executed steps (loops are bounded by construction,
	// this guards pathological nesting).
	MaxSteps int

	// MaxVariableBytes caps the accumulated size of script variables.
	MaxVariableBytes int
}

// Sentinel errors the executor maps onto execution outcomes.
var (
	ErrMemoryExhausted = errors.New("memory_exhausted")
	ErrStepBudget      = errors.New("step budget exceeded")
)

// Interpreter executes parsed programs against a Host.
type Interpreter struct {
	host   Host
	limits Limits
	logf   LogSink
}

// NewInterpreter creates an interpreter. A nil sink discards logs.
func NewInterpreter(host Host, limits Limits, sink LogSink) *Interpreter {
	if sink == nil {
		sink = func(string, string) {}
	}
	if limits.MaxSteps <= 0 {
		limits.MaxSteps = 1000
	}
	if limits.MaxVariableBytes <= 0 {
		limits.MaxVariableBytes = 1 << 20
	}
	return &Interpreter{host: host, limits: limits, logf: sink}
}

// env is the mutable state of one run.
type env struct {
	vars      map[string]any
	steps     int
	varBytes  int
	stepIndex int
}

// Run executes the program and returns its result value (the value of a
// return step, or nil). The context deadline is the wall-clock budget; the
// interpreter checks it between steps and passes it to every host call.
func (in *Interpreter) Run(ctx context.Context, prog *Program) (any, error) {
	e := &env{vars: make(map[string]any)}
	result, err := in.runSteps(ctx, prog.Steps, e)
	if err == nil && ctx.Err() != nil {
		// A final step may have swallowed the deadline (notify failures
		// are logged, not raised); a run that hit its budget is not a
		// success.
		return nil, ctx.Err()
	}
	return result, err
}

func (in *Interpreter) runSteps(ctx context.Context, steps []Step, e *env) (any, error) {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.steps++
		if e.steps > in.limits.MaxSteps {
			return nil, ErrStepBudget
		}
		e.stepIndex++

		step := &steps[i]
		result, done, err := in.executeStep(ctx, step, e)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
	}
	return nil, nil
}

// executeStep runs one step. done is true when a return step fired.
func (in *Interpreter) executeStep(ctx context.Context, step *Step, e *env) (result any, done bool, err error) {
	switch {
	case step.Notify != "":
		text := in.interpolate(step.Notify, e)
		if nerr := in.host.Notify(ctx, text); nerr != nil {
			in.logf("warn", "notify failed: "+nerr.Error())
		}
		return nil, false, nil

	case step.Log != "":
		in.logf(step.LogLevel, in.interpolate(step.Log, e))
		return nil, false, nil

	case step.Fetch != nil:
		req := *step.Fetch
		req.URL = in.interpolate(req.URL, e)
		req.Body = in.interpolate(req.Body, e)
		if len(req.Headers) > 0 {
			hdrs := make(map[string]string, len(req.Headers))
			for k, v := range req.Headers {
				hdrs[k] = in.interpolate(v, e)
			}
			req.Headers = hdrs
		}
		res := in.host.Fetch(ctx, req)
		if res.Err != "" {
			in.logf("warn", fmt.Sprintf("fetch %s failed: %s", req.URL, res.Err))
		}
		if step.Save != "" {
			if err := in.assign(e, step.Save, res.Map()); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.GetState != "":
		key := in.interpolate(step.GetState, e)
		val, gerr := in.host.GetState(ctx, key)
		if gerr != nil {
			return nil, false, &RuntimeError{Step: e.stepIndex, Message: "get_state " + key + ": " + gerr.Error()}
		}
		if step.Save != "" {
			if err := in.assign(e, step.Save, val); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.SetState != nil:
		key := in.interpolate(step.SetState.Key, e)
		val := in.resolveValue(step.SetState.Value, e)
		if serr := in.host.SetState(ctx, key, val); serr != nil {
			return nil, false, &RuntimeError{Step: e.stepIndex, Message: "set_state " + key + ": " + serr.Error()}
		}
		return nil, false, nil

	case step.TonBalance != "":
		addr := in.interpolate(step.TonBalance, e)
		bal, berr := in.host.TonBalance(ctx, addr)
		var val any
		if berr != nil {
			in.logf("warn", "ton_balance failed: "+berr.Error())
			val = map[string]any{"error": berr.Error()}
		} else {
			val = bal
		}
		if step.Save != "" {
			if err := in.assign(e, step.Save, val); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.Secret != "":
		name := in.interpolate(step.Secret, e)
		secret, ok, serr := in.host.Secret(ctx, name)
		if serr != nil {
			return nil, false, &RuntimeError{Step: e.stepIndex, Message: "secret " + name + ": " + serr.Error()}
		}
		var val any
		if ok {
			val = secret
		}
		if step.Save != "" {
			if err := in.assign(e, step.Save, val); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.Plugin != nil:
		args := make(map[string]any, len(step.Plugin.Args))
		for k, v := range step.Plugin.Args {
			if s, ok := v.(string); ok {
				args[k] = in.resolveValue(s, e)
			} else {
				args[k] = v
			}
		}
		out, perr := in.host.CallPlugin(ctx, step.Plugin.ID, step.Plugin.Op, args)
		var val any
		if perr != nil {
			in.logf("warn", fmt.Sprintf("plugin %s.%s failed: %v", step.Plugin.ID, step.Plugin.Op, perr))
			val = map[string]any{"error": perr.Error()}
		} else {
			val = out
		}
		if step.Save != "" {
			if err := in.assign(e, step.Save, val); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.Set != nil:
		for k, v := range step.Set {
			var resolved any
			if s, ok := v.(string); ok {
				resolved = in.resolveValue(s, e)
			} else {
				resolved = v
			}
			if err := in.assign(e, k, resolved); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil

	case step.If != "":
		branch := step.Else
		if in.evaluateCondition(step.If, e) {
			branch = step.Then
		}
		result, err := in.runSteps(ctx, branch, e)
		if err != nil {
			return nil, false, err
		}
		// A nested return ends the whole run.
		if result != nil {
			return result, true, nil
		}
		return nil, false, nil

	case step.Return != "":
		return in.resolveValue(step.Return, e), true, nil
	}

	return nil, false, nil
}

// assign stores a variable, charging its approximate size against the cap.
func (in *Interpreter) assign(e *env, name string, value any) error {
	e.vars[name] = value
	e.varBytes += approxSize(value)
	if e.varBytes > in.limits.MaxVariableBytes {
		return ErrMemoryExhausted
	}
	return nil
}

func approxSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case bool, int, int64, float64:
		return 8
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return len(fmt.Sprint(v))
		}
		return len(b)
	}
}

// interpolate replaces {{...}} expressions in a template.
func (in *Interpreter) interpolate(template string, e *env) string {
	if template == "" {
		return ""
	}
	return exprPattern.ReplaceAllStringFunc(template, func(match string) string {
		expr := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		val, ok := in.evaluateExpression(expr, e)
		if !ok {
			return match
		}
		return stringify(val)
	})
}

// resolveValue evaluates a template. A template that is exactly one
// expression keeps its native type; anything else becomes a string.
func (in *Interpreter) resolveValue(template string, e *env) any {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") {
			if val, ok := in.evaluateExpression(inner, e); ok {
				return val
			}
		}
	}
	return in.interpolate(template, e)
}

// evaluateExpression resolves an expression: variable, dotted path, filter
// pipe, builtin, or literal. ok is false when the expression references an
// undefined variable.
func (in *Interpreter) evaluateExpression(expr string, e *env) (any, bool) {
	expr = strings.TrimSpace(expr)

	if idx := strings.Index(expr, "|"); idx >= 0 {
		base, ok := in.evaluateExpression(expr[:idx], e)
		if !ok {
			return nil, false
		}
		return applyFilter(base, strings.TrimSpace(expr[idx+1:])), true
	}

	// Quoted literal.
	if len(expr) >= 2 && (expr[0] == '\'' || expr[0] == '"') && expr[len(expr)-1] == expr[0] {
		return expr[1 : len(expr)-1], true
	}

	// Numeric literal.
	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f, true
	}

	switch expr {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "nil":
		return nil, true
	case "now":
		return time.Now().Unix(), true
	case "date":
		return time.Now().UTC().Format("2006-01-02"), true
	case "time":
		return time.Now().UTC().Format("15:04:05"), true
	}

	// Dotted path into a variable.
	if strings.Contains(expr, ".") {
		parts := strings.Split(expr, ".")
		val, ok := e.vars[parts[0]]
		if !ok {
			return nil, false
		}
		for _, part := range parts[1:] {
			switch t := val.(type) {
			case map[string]any:
				val = t[part]
			case []any:
				idx, err := strconv.Atoi(part)
				if err != nil || idx < 0 || idx >= len(t) {
					return nil, true
				}
				val = t[idx]
			default:
				return nil, true
			}
		}
		return val, true
	}

	val, ok := e.vars[expr]
	return val, ok
}

// comparison operators, longest first so ">=" wins over ">".
var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// evaluateCondition evaluates a boolean condition: either a comparison
// ("{{price}} > 8", "{{status}} == ok"), a containment test
// ("x contains y"), or truthiness of a single expression.
func (in *Interpreter) evaluateCondition(cond string, e *env) bool {
	cond = strings.TrimSpace(cond)

	if idx := strings.Index(cond, " contains "); idx >= 0 {
		lhs := in.resolveOperand(cond[:idx], e)
		rhs := in.resolveOperand(cond[idx+len(" contains "):], e)
		return strings.Contains(stringify(lhs), stringify(rhs))
	}

	for _, op := range comparisonOps {
		idx := strings.Index(cond, op)
		if idx < 0 {
			continue
		}
		lhs := in.resolveOperand(cond[:idx], e)
		rhs := in.resolveOperand(cond[idx+len(op):], e)
		return compare(lhs, rhs, op)
	}

	return truthy(in.resolveOperand(cond, e))
}

// resolveOperand turns one side of a comparison into a value: interpolated
// template, expression, or literal.
func (in *Interpreter) resolveOperand(s string, e *env) any {
	s = strings.TrimSpace(s)
	if ContainsExpression(s) {
		return in.resolveValue(s, e)
	}
	if val, ok := in.evaluateExpression(s, e); ok {
		return val
	}
	return s
}

// compare applies op to two operands, numerically when both sides parse as
// numbers, lexically otherwise.
func compare(lhs, rhs any, op string) bool {
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
	}

	ls, rs := stringify(lhs), stringify(rhs)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Render integral floats without the trailing ".0" YAML/JSON noise.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// applyFilter applies a pipe filter like "upper" or "truncate:80".
func applyFilter(val any, filter string) any {
	name, arg := filter, ""
	if idx := strings.Index(filter, ":"); idx >= 0 {
		name, arg = filter[:idx], filter[idx+1:]
	}

	s := stringify(val)
	switch name {
	case "upper":
		return strings.ToUpper(s)
	case "lower":
		return strings.ToLower(s)
	case "trim":
		return strings.TrimSpace(s)
	case "default":
		if s == "" {
			return arg
		}
		return s
	case "truncate":
		max, _ := strconv.Atoi(arg)
		if max > 0 && len(s) > max {
			return s[:max] + "..."
		}
		return s
	case "round":
		f, ok := toFloat(val)
		if !ok {
			return val
		}
		places, _ := strconv.Atoi(arg)
		if places < 0 {
			places = 0
		}
		return strconv.FormatFloat(f, 'f', places, 64)
	default:
		return val
	}
}
