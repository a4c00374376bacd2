// Package script implements the automation script language that synthesized
// agents are written in: a YAML step list with {{...}} expression
// interpolation, executed against a bounded host-call surface.
package script

import (
	"fmt"
	"time"
)

// Program is a parsed automation script.
type Program struct {
	// Source is the raw artifact text the program was parsed from.
	Source string

	Steps []Step
}

// Step is one operation in a script. Exactly one of the step fields is set;
// the interpreter dispatches on which one.
type Step struct {
	// Notify sends a message to the owning user.
	Notify string

	// Log writes an entry to the agent log.
	Log      string
	LogLevel string

	// Fetch performs an HTTP request.
	Fetch *FetchStep

	// GetState reads a durable state key into Save.
	GetState string

	// SetState writes a durable state key.
	SetState *SetStateStep

	// TonBalance reads an on-chain balance into Save.
	TonBalance string

	// Secret reads a per-user variable into Save.
	Secret string

	// Plugin invokes an installed plugin operation.
	Plugin *PluginStep

	// Set assigns script variables.
	Set map[string]any

	// If/Then/Else is the conditional form.
	If   string
	Then []Step
	Else []Step

	// Return ends the run with a value.
	Return string

	// Save names the variable a producing step stores its result in.
	Save string
}

// FetchStep describes an HTTP request made by a script.
type FetchStep struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// SetStateStep writes one durable state entry.
type SetStateStep struct {
	Key   string
	Value string
}

// PluginStep invokes one plugin operation.
type PluginStep struct {
	ID   string
	Op   string
	Args map[string]any
}

// FetchResult is the structured result of a fetch step, exposed to the
// script as a map: status, headers, body, json, error.
type FetchResult struct {
	Status  int
	Headers map[string]string
	Body    string
	JSON    any
	Err     string
}

// Map converts the result to the script-visible form.
func (r FetchResult) Map() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	m := map[string]any{
		"status":  r.Status,
		"headers": headers,
		"body":    r.Body,
	}
	if r.JSON != nil {
		m["json"] = r.JSON
	}
	if r.Err != "" {
		m["error"] = r.Err
	}
	return m
}

// ParseError describes a malformed script.
type ParseError struct {
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("script: %s: %s", e.Path, e.Message)
	}
	return "script: " + e.Message
}

// RuntimeError is an error raised while interpreting a script.
type RuntimeError struct {
	Step    int
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("step %d: %s", e.Step, e.Message)
}
