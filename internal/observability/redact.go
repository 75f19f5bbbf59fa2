// Package observability provides logging, redaction, request ids and tracing
// for the scheduler.
package observability

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// SecretPlaceholder replaces registered literal secrets.
const SecretPlaceholder = "[REDACTED_SECRET]"

// minSecretLen keeps very short values from redacting unrelated text.
const minSecretLen = 6

// Redactor masks credentials in strings that leave the process.
// It is safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*redactPattern
	secrets  []string // longest first
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_ANTHROPIC_KEY]", "anthropic_key")
	r.AddPattern(`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]", "openai_project_key")
	r.AddPattern(`sk-or-v1-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENROUTER_KEY]", "openrouter_key")
	r.AddPattern(`sk-[a-zA-Z0-9]{20,}`, "[REDACTED_API_KEY]", "sk_key")
	r.AddPattern(`AIza[a-zA-Z0-9\-_]{35}`, "[REDACTED_GOOGLE_KEY]", "google_key")

	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.=]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`(?i)(authorization|x-api-key|api-key):\s*[^\s,]+`, "$1: [REDACTED]", "auth_header")
	r.AddPattern(`(?i)([?&](?:api[_-]?key|key|token|access_token)=)[^&\s"]+`, "${1}[REDACTED]", "query_credential")
}

// AddPattern adds a custom redaction pattern. Invalid patterns are ignored.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// AddSecret registers a literal credential that must never appear in output,
// whatever its format. Values shorter than six characters are ignored.
func (r *Redactor) AddSecret(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLen {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Redact masks registered secrets first, then applies all patterns.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := input
	for _, s := range r.secrets {
		result = strings.ReplaceAll(result, s, SecretPlaceholder)
	}
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactHeaders redacts sensitive HTTP headers.
func (r *Redactor) RedactHeaders(headers map[string][]string) map[string][]string {
	sensitiveHeaders := map[string]bool{
		"authorization":       true,
		"x-api-key":           true,
		"api-key":             true,
		"x-auth-token":        true,
		"cookie":              true,
		"set-cookie":          true,
		"proxy-authorization": true,
	}

	result := make(map[string][]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			result[k] = []string{"[REDACTED]"}
			continue
		}
		vals := make([]string, len(v))
		for i, s := range v {
			vals[i] = r.Redact(s)
		}
		result[k] = vals
	}
	return result
}
