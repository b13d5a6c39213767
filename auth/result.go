package auth

import "time"

// Code classifies an authentication outcome. Callers branch on the code
// rather than interpreting error values, so a scope failure can never be
// mistaken for a retryable miss.
type Code int

const (
	CodeSuccess Code = iota
	CodeNotFound
	CodeScopeDenied
	CodeRateLimited
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeNotFound:
		return "not_found"
	case CodeScopeDenied:
		return "scope_denied"
	case CodeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Result is the outcome of one authentication attempt. AccountID and
// Address are set only on success; RetryAfter only when rate limited.
type Result struct {
	Code       Code
	AccountID  int64
	Address    string
	RetryAfter time.Duration

	// credentialID identifies the matched API key for deferred
	// last-used updates.
	credentialID int64
}

// OK reports whether the attempt authenticated successfully.
func (r Result) OK() bool {
	return r.Code == CodeSuccess
}
