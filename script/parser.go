package script

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxNestingDepth bounds if/then/else nesting so parsing stays linear.
const maxNestingDepth = 8

// Parse parses artifact text into a Program. The safety gate is separate
// (see Gate); Parse only cares about structure.
func Parse(source string) (*Program, error) {
	var raw struct {
		Steps []any `yaml:"steps"`
	}
	if err := yaml.Unmarshal([]byte(source), &raw); err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("invalid yaml: %v", err)}
	}
	if len(raw.Steps) == 0 {
		return nil, &ParseError{Path: "steps", Message: "at least one step is required"}
	}

	prog := &Program{Source: source}
	for i, stepRaw := range raw.Steps {
		step, err := parseStep(stepRaw, fmt.Sprintf("steps[%d]", i), 0)
		if err != nil {
			return nil, err
		}
		prog.Steps = append(prog.Steps, *step)
	}
	return prog, nil
}

func parseStep(raw any, path string, depth int) (*Step, error) {
	if depth > maxNestingDepth {
		return nil, &ParseError{Path: path, Message: "nesting too deep"}
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ParseError{Path: path, Message: "expected map"}
	}

	step := &Step{}
	if v, ok := m["save"].(string); ok {
		step.Save = v
	}

	switch {
	case m["notify"] != nil:
		s, ok := m["notify"].(string)
		if !ok {
			return nil, &ParseError{Path: path + ".notify", Message: "expected string"}
		}
		step.Notify = s

	case m["log"] != nil:
		s, ok := m["log"].(string)
		if !ok {
			return nil, &ParseError{Path: path + ".log", Message: "expected string"}
		}
		step.Log = s
		step.LogLevel = "info"
		if lvl, ok := m["level"].(string); ok {
			switch lvl {
			case "info", "warn", "error", "success":
				step.LogLevel = lvl
			default:
				return nil, &ParseError{Path: path + ".level", Message: fmt.Sprintf("unknown level %q", lvl)}
			}
		}

	case m["fetch"] != nil:
		f, err := parseFetch(m["fetch"], path+".fetch")
		if err != nil {
			return nil, err
		}
		step.Fetch = f

	case m["get_state"] != nil:
		s, ok := m["get_state"].(string)
		if !ok {
			return nil, &ParseError{Path: path + ".get_state", Message: "expected key string"}
		}
		step.GetState = s

	case m["set_state"] != nil:
		sm, ok := m["set_state"].(map[string]any)
		if !ok {
			return nil, &ParseError{Path: path + ".set_state", Message: "expected map with key and value"}
		}
		key, _ := sm["key"].(string)
		if key == "" {
			return nil, &ParseError{Path: path + ".set_state.key", Message: "key is required"}
		}
		step.SetState = &SetStateStep{Key: key, Value: scalarString(sm["value"])}

	case m["ton_balance"] != nil:
		s, ok := m["ton_balance"].(string)
		if !ok {
			return nil, &ParseError{Path: path + ".ton_balance", Message: "expected address string"}
		}
		step.TonBalance = s

	case m["secret"] != nil:
		s, ok := m["secret"].(string)
		if !ok {
			return nil, &ParseError{Path: path + ".secret", Message: "expected name string"}
		}
		step.Secret = s

	case m["plugin"] != nil:
		p, err := parsePlugin(m["plugin"], path+".plugin")
		if err != nil {
			return nil, err
		}
		step.Plugin = p

	case m["set"] != nil:
		sm, ok := m["set"].(map[string]any)
		if !ok || len(sm) == 0 {
			return nil, &ParseError{Path: path + ".set", Message: "expected non-empty map"}
		}
		step.Set = sm

	case m["if"] != nil:
		cond, ok := m["if"].(string)
		if !ok || strings.TrimSpace(cond) == "" {
			return nil, &ParseError{Path: path + ".if", Message: "expected condition string"}
		}
		step.If = cond
		then, ok := m["then"].([]any)
		if !ok || len(then) == 0 {
			return nil, &ParseError{Path: path + ".then", Message: "then branch is required"}
		}
		for i, s := range then {
			parsed, err := parseStep(s, fmt.Sprintf("%s.then[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			step.Then = append(step.Then, *parsed)
		}
		if els, ok := m["else"].([]any); ok {
			for i, s := range els {
				parsed, err := parseStep(s, fmt.Sprintf("%s.else[%d]", path, i), depth+1)
				if err != nil {
					return nil, err
				}
				step.Else = append(step.Else, *parsed)
			}
		}

	case m["return"] != nil:
		step.Return = scalarString(m["return"])
		if step.Return == "" {
			return nil, &ParseError{Path: path + ".return", Message: "expected value"}
		}

	default:
		return nil, &ParseError{Path: path, Message: fmt.Sprintf("unknown step: %s", stepKeys(m))}
	}

	return step, nil
}

func parseFetch(raw any, path string) (*FetchStep, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		// Short form: fetch: "https://..."
		if url, ok := raw.(string); ok && url != "" {
			return &FetchStep{URL: url, Method: "GET"}, nil
		}
		return nil, &ParseError{Path: path, Message: "expected url or map"}
	}

	f := &FetchStep{Method: "GET"}
	if v, ok := m["url"].(string); ok {
		f.URL = v
	}
	if f.URL == "" {
		return nil, &ParseError{Path: path + ".url", Message: "url is required"}
	}
	if v, ok := m["method"].(string); ok {
		switch strings.ToUpper(v) {
		case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD":
			f.Method = strings.ToUpper(v)
		default:
			return nil, &ParseError{Path: path + ".method", Message: fmt.Sprintf("unsupported method %q", v)}
		}
	}
	if hdrs, ok := m["headers"].(map[string]any); ok {
		f.Headers = make(map[string]string, len(hdrs))
		for k, v := range hdrs {
			f.Headers[k] = scalarString(v)
		}
	}
	if v, ok := m["body"]; ok {
		f.Body = scalarString(v)
	}
	if v, ok := m["timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, &ParseError{Path: path + ".timeout", Message: fmt.Sprintf("invalid timeout %q", v)}
		}
		f.Timeout = d
	}
	return f, nil
}

func parsePlugin(raw any, path string) (*PluginStep, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ParseError{Path: path, Message: "expected map with id and op"}
	}
	p := &PluginStep{}
	if v, ok := m["id"].(string); ok {
		p.ID = v
	}
	if v, ok := m["op"].(string); ok {
		p.Op = v
	}
	if p.ID == "" || p.Op == "" {
		return nil, &ParseError{Path: path, Message: "id and op are required"}
	}
	if args, ok := m["args"].(map[string]any); ok {
		p.Args = args
	}
	return p, nil
}

// scalarString renders a YAML scalar as its string form. Maps and lists
// fall back to fmt.Sprint; templates are strings anyway.
func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func stepKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "save" {
			continue
		}
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

// Expression helpers, shared with the interpreter.

var exprPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ContainsExpression reports whether s holds a {{...}} expression.
func ContainsExpression(s string) bool {
	return exprPattern.MatchString(s)
}
