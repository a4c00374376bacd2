package script

import (
	"fmt"
	"regexp"
	"strings"
)

// GateError reports why the safety gate rejected an artifact.
type GateError struct {
	Token string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("forbidden token %q", e.Token)
}

// forbiddenTokens are identifiers an artifact may never reference: process
// and file-system escape, module loading, and dynamic-code construction.
// Matching is word-bounded over the raw text, so occurrences inside strings
// or comments also reject; the synthesizer retries on rejection.
var forbiddenTokens = []string{
	"exec",
	"shell",
	"spawn",
	"system",
	"eval",
	"import",
	"require",
	"read_file",
	"write_file",
	"open_file",
	"socket",
	"process",
	"subprocess",
	"getenv",
	"setenv",
	"Function",
	"globalThis",
}

// forbiddenAccess are property-access prefixes that indicate an escape
// attempt (e.g. "os.Exit", "fs.readFile").
var forbiddenAccess = []string{"os.", "fs.", "child_process.", "runtime."}

var forbiddenPattern = func() *regexp.Regexp {
	alts := make([]string, len(forbiddenTokens))
	for i, t := range forbiddenTokens {
		alts[i] = regexp.QuoteMeta(t)
	}
	return regexp.MustCompile(`\b(` + strings.Join(alts, "|") + `)\b`)
}()

// Gate statically checks artifact text against the forbidden primitive set.
// It is a pure function of the text and must pass before any code write or
// activation. Returns nil if the artifact is acceptable.
func Gate(source string) error {
	if m := forbiddenPattern.FindString(source); m != "" {
		return &GateError{Token: m}
	}
	for _, prefix := range forbiddenAccess {
		for from := 0; ; {
			idx := strings.Index(source[from:], prefix)
			if idx < 0 {
				break
			}
			idx += from
			// Word-bound the left edge so e.g. "infos." passes.
			if idx == 0 || !isWordByte(source[idx-1]) {
				return &GateError{Token: strings.TrimSuffix(prefix, ".")}
			}
			from = idx + len(prefix)
		}
	}
	return nil
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
