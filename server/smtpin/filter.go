package smtpin

import (
	"context"
	"errors"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/relatemail/ferry/consts"
	serverPkg "github.com/relatemail/ferry/server"
)

// ListenerKind distinguishes the two inbound SMTP roles.
type ListenerKind string

const (
	// ListenerMX accepts mail from anywhere for hosted domains only.
	ListenerMX ListenerKind = "mx"

	// ListenerSubmission accepts mail from authenticated users for any
	// destination.
	ListenerSubmission ListenerKind = "submission"
)

// UserLookup resolves an address to a hosted account.
type UserLookup interface {
	AccountIDByAddress(ctx context.Context, address string) (int64, error)
}

var (
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}

	errRelayDenied = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay access denied",
	}

	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}

	errTemporaryFailure = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary server error, try again later",
	}
)

// RelayFilter is the anti-open-relay policy for one listener. The
// submission listener requires an authenticated session for both sender
// and recipient acceptance; the MX listener accepts any sender but only
// recipients at hosted domains. A disabled filter accepts everything.
type RelayFilter struct {
	kind          ListenerKind
	enabled       bool
	hostedDomains map[string]bool
	validateRcpt  bool
	users         UserLookup
}

func NewRelayFilter(kind ListenerKind, enabled bool, hostedDomains []string, validateRcpt bool, users UserLookup) *RelayFilter {
	domains := make(map[string]bool, len(hostedDomains))
	for _, domain := range hostedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			domains[domain] = true
		}
	}
	return &RelayFilter{
		kind:          kind,
		enabled:       enabled,
		hostedDomains: domains,
		validateRcpt:  validateRcpt,
		users:         users,
	}
}

// HostsDomain reports whether domain is on the hosted list. Matching is
// case-insensitive and exact: a subdomain of a hosted domain is not
// hosted. This works independently of the enabled flag because the
// submission listener also uses it to route local vs remote recipients.
func (f *RelayFilter) HostsDomain(domain string) bool {
	return f.hostedDomains[strings.ToLower(domain)]
}

// CheckSender applies the policy at MAIL FROM.
func (f *RelayFilter) CheckSender(authenticated bool, from serverPkg.Address) error {
	if !f.enabled {
		return nil
	}
	if f.kind == ListenerSubmission && !authenticated {
		return errAuthRequired
	}
	// The MX listener accepts any sender; recipients carry the policy.
	_ = from
	return nil
}

// CheckRecipient applies the policy at RCPT TO. The returned account ID
// is nonzero when recipient validation resolved the recipient to a
// hosted user; otherwise it is zero and resolution is deferred to
// delivery time.
func (f *RelayFilter) CheckRecipient(ctx context.Context, authenticated bool, to serverPkg.Address) (int64, error) {
	if !f.enabled {
		return 0, nil
	}

	switch f.kind {
	case ListenerSubmission:
		if !authenticated {
			return 0, errAuthRequired
		}
		// Any domain is permitted once authenticated.
	default:
		if !f.HostsDomain(to.Domain()) {
			return 0, errRelayDenied
		}
	}

	// Validation applies to hosted recipients on either listener; a
	// submission to a remote domain has nothing to validate against.
	if !f.validateRcpt || !f.HostsDomain(to.Domain()) {
		return 0, nil
	}

	accountID, err := f.users.AccountIDByAddress(ctx, to.BaseAddress())
	if errors.Is(err, consts.ErrUserNotFound) {
		return 0, errNoSuchUser
	}
	if err != nil {
		return 0, errTemporaryFailure
	}
	return accountID, nil
}
