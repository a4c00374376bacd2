package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tonpilot-dev/tonpilot/script"
)

// ErrSynthesisFailed is returned when every attempt produced code the gate
// or parser rejected.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Result is one accepted synthesis outcome.
type Result struct {
	// Code is the artifact text, gate-checked and parseable.
	Code string

	// ModelName identifies which chain member produced it.
	ModelName string

	// Attempts counts how many completions were needed, including repairs.
	Attempts int
}

// Synthesizer drives the draft/repair loop over a model chain.
type Synthesizer struct {
	chain       *Chain
	maxAttempts int
	logger      *slog.Logger
}

// NewSynthesizer builds a synthesizer. maxAttempts bounds the whole loop;
// values below 1 are raised to 1.
func NewSynthesizer(chain *Chain, maxAttempts int, logger *slog.Logger) *Synthesizer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{chain: chain, maxAttempts: maxAttempts, logger: logger}
}

const languageGuide = `Agents are YAML documents with a top-level "steps" list. Each step is one of:

- notify: <text>                      send a message to the owner
- log: <text> (level: info|warn|error|success)
- fetch: <url>  OR  fetch: {url, method, headers, body, timeout} (save: <var>)
- get_state: <key> (save: <var>)      read a persistent value
- set_state: {key: <key>, value: <v>} write a persistent value
- ton_balance: <address> (save: <var>)
- secret: <name> (save: <var>)        read an owner-configured secret
- plugin: {id: <id>, op: <op>, args: {...}} (save: <var>)
- set: {<var>: <value>, ...}          assign local variables
- if: <condition> / then: [...] / else: [...]
- return: <value>                     end the run with a result

Values and conditions may interpolate variables with {{name}} and filters
{{name | upper}}. Conditions support ==, !=, >, >=, <, <=, contains.
Fetch results saved to a variable expose {{var.status}}, {{var.body}},
{{var.json.<field>}}.

Output ONLY the YAML document, inside a fenced code block.`

const draftSystem = `You write automation agents for a personal automation platform. ` +
	`Given a user's description, produce the smallest agent that does what they asked.

` + languageGuide

const repairSystem = `You fix automation agents that were rejected. You will get the agent, ` +
	`the rejection reason, and the original request. Produce a corrected agent that avoids ` +
	`the rejected construct while preserving the behavior.

` + languageGuide

// Draft synthesizes an artifact for a natural-language description. The
// context string carries user-specific hints (available secrets, installed
// plugins) and may be empty.
func (s *Synthesizer) Draft(ctx context.Context, description, userContext string) (*Result, error) {
	prompt := "Request:\n" + description
	if userContext != "" {
		prompt += "\n\nAvailable to this user:\n" + userContext
	}
	return s.loop(ctx, draftSystem, prompt, description)
}

// Repair synthesizes a fixed artifact for code that failed at runtime. The
// errMsg is the runtime error the agent hit.
func (s *Synthesizer) Repair(ctx context.Context, code, errMsg, description string) (*Result, error) {
	prompt := fmt.Sprintf("Original request:\n%s\n\nCurrent agent:\n```yaml\n%s\n```\n\nRuntime failure:\n%s",
		description, code, errMsg)
	return s.loop(ctx, repairSystem, prompt, description)
}

// loop runs completion -> extract -> gate -> parse, feeding rejections back
// as repair prompts until acceptance or the attempt budget runs out.
func (s *Synthesizer) loop(ctx context.Context, system, prompt, description string) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		out, modelName, err := s.chain.Complete(ctx, system, prompt)
		if err != nil {
			// The chain already exhausted every model; more attempts
			// would hit the same wall.
			return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		}

		code := ExtractCode(out)
		if code == "" {
			lastErr = errors.New("no code block in completion")
		} else if err := script.Gate(code); err != nil {
			lastErr = err
		} else if _, err := script.Parse(code); err != nil {
			lastErr = err
		} else {
			return &Result{Code: code, ModelName: modelName, Attempts: attempt}, nil
		}

		s.logger.Warn("candidate rejected", "attempt", attempt, "model", modelName, "error", lastErr)
		prompt = fmt.Sprintf("Original request:\n%s\n\nYour previous agent:\n```yaml\n%s\n```\n\nIt was rejected: %v\n\nProduce a corrected agent.",
			description, code, lastErr)
		system = repairSystem
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrSynthesisFailed, s.maxAttempts, lastErr)
}

// ExtractCode pulls the artifact out of a completion: the first fenced code
// block if present, otherwise the whole trimmed text.
func ExtractCode(completion string) string {
	text := strings.TrimSpace(completion)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	// Skip the language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// Intent is the classified purpose of a conversational message.
type Intent struct {
	// Kind is one of: create, list, run, status, pause, resume, delete,
	// edit, marketplace, help, chat.
	Kind string `json:"kind"`

	// AgentRef is the agent the message refers to, by name or id, when
	// the intent targets one.
	AgentRef string `json:"agent,omitempty"`

	// Detail carries the free-text remainder (e.g. the edit instruction).
	Detail string `json:"detail,omitempty"`
}

const classifySystem = `You route messages for an automation assistant. Classify the user's message
into exactly one intent and reply with ONLY a JSON object:

{"kind": "...", "agent": "...", "detail": "..."}

Kinds:
  create      - user describes a new automation to build
  list        - user wants their agents listed
  run         - user wants an agent run now ("agent" = which)
  status      - user asks about runs, logs, or errors ("agent" = which, may be empty)
  pause       - deactivate an agent ("agent" = which)
  resume      - reactivate an agent ("agent" = which)
  delete      - remove an agent ("agent" = which)
  edit        - change an existing agent ("agent" = which, "detail" = the change)
  marketplace - browse, buy, or publish shared agents ("detail" = what)
  help        - user asks what the assistant can do
  chat        - anything else

"agent" and "detail" are empty when not applicable.`

// Classify routes a conversational message to an Intent. Unparseable model
// output degrades to chat rather than erroring.
func (s *Synthesizer) Classify(ctx context.Context, message string) (*Intent, error) {
	out, _, err := s.chain.Complete(ctx, classifySystem, message)
	if err != nil {
		return nil, err
	}

	raw := ExtractCode(out)
	var intent Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		s.logger.Warn("unparseable intent, treating as chat", "error", err)
		return &Intent{Kind: "chat"}, nil
	}
	if intent.Kind == "" {
		intent.Kind = "chat"
	}
	return &intent, nil
}

// Chat produces a free-form conversational reply, given recent transcript
// context rendered as text.
func (s *Synthesizer) Chat(ctx context.Context, transcript, message string) (string, error) {
	system := "You are a concise assistant for a personal automation platform. " +
		"Users build agents by describing them; you answer questions and guide them."
	prompt := message
	if transcript != "" {
		prompt = "Recent conversation:\n" + transcript + "\n\nUser:\n" + message
	}
	out, _, err := s.chain.Complete(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Summarize produces a one-line result summary for an execution outcome,
// used in history rows. Falls back to a truncation on model failure.
func Summarize(value any) string {
	if value == nil {
		return ""
	}
	var text string
	switch v := value.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(b)
		}
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
