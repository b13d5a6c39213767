// Package auth verifies presented API keys against the credential store,
// enforces per-client rate limits, and caches successful verifications so
// chatty protocols do not pay the bcrypt cost on every command.
package auth

import (
	"fmt"
	"strings"
)

// Scope restricts what an API key may be used for. Scopes form a closed
// set; unknown scope strings are rejected at credential-load time rather
// than compared lazily.
type Scope uint8

const (
	ScopeSMTP Scope = 1 << iota
	ScopePOP3
	ScopeIMAP
	ScopeAPIRead
	ScopeAPIWrite
	ScopeApp
)

var scopeNames = map[Scope]string{
	ScopeSMTP:     "smtp",
	ScopePOP3:     "pop3",
	ScopeIMAP:     "imap",
	ScopeAPIRead:  "api:read",
	ScopeAPIWrite: "api:write",
	ScopeApp:      "app",
}

var scopeValues = map[string]Scope{
	"smtp":      ScopeSMTP,
	"pop3":      ScopePOP3,
	"imap":      ScopeIMAP,
	"api:read":  ScopeAPIRead,
	"api:write": ScopeAPIWrite,
	"app":       ScopeApp,
}

// ParseScope maps a single scope string to its bit.
func ParseScope(s string) (Scope, error) {
	scope, ok := scopeValues[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown scope %q", s)
	}
	return scope, nil
}

// ParseScopes parses a stored scope list into a bitmask. Any unknown entry
// fails the whole credential.
func ParseScopes(list []string) (Scope, error) {
	var scopes Scope
	for _, s := range list {
		scope, err := ParseScope(s)
		if err != nil {
			return 0, err
		}
		scopes |= scope
	}
	return scopes, nil
}

// Has reports whether every bit in required is present.
func (s Scope) Has(required Scope) bool {
	return s&required == required
}

func (s Scope) String() string {
	if s == 0 {
		return ""
	}
	parts := make([]string, 0, 6)
	for bit := Scope(1); bit != 0 && bit <= ScopeApp; bit <<= 1 {
		if s&bit != 0 {
			parts = append(parts, scopeNames[bit])
		}
	}
	return strings.Join(parts, ",")
}
