package smtpin

import (
	"context"
	"errors"
	"testing"

	"github.com/relatemail/ferry/consts"
	serverPkg "github.com/relatemail/ferry/server"
)

type mockUserLookup struct {
	accounts map[string]int64
	err      error
	queries  []string
}

func (m *mockUserLookup) AccountIDByAddress(ctx context.Context, address string) (int64, error) {
	m.queries = append(m.queries, address)
	if m.err != nil {
		return 0, m.err
	}
	if id, ok := m.accounts[address]; ok {
		return id, nil
	}
	return 0, consts.ErrUserNotFound
}

func mustAddress(t *testing.T, raw string) serverPkg.Address {
	t.Helper()
	addr, err := serverPkg.NewAddress(raw)
	if err != nil {
		t.Fatalf("NewAddress(%q) failed: %v", raw, err)
	}
	return addr
}

// TestFilterDisabledAcceptsEverything tests that a disabled filter is a
// true open relay on both listener kinds, with no user lookups.
func TestFilterDisabledAcceptsEverything(t *testing.T) {
	users := &mockUserLookup{}
	ctx := context.Background()

	for _, kind := range []ListenerKind{ListenerMX, ListenerSubmission} {
		f := NewRelayFilter(kind, false, []string{"example.com"}, true, users)

		if err := f.CheckSender(false, mustAddress(t, "anyone@anywhere.org")); err != nil {
			t.Errorf("%s: disabled filter rejected sender: %v", kind, err)
		}
		id, err := f.CheckRecipient(ctx, false, mustAddress(t, "anyone@anywhere.org"))
		if err != nil {
			t.Errorf("%s: disabled filter rejected recipient: %v", kind, err)
		}
		if id != 0 {
			t.Errorf("%s: disabled filter resolved account %d", kind, id)
		}
	}

	if len(users.queries) != 0 {
		t.Errorf("disabled filter queried the user store: %v", users.queries)
	}
}

// TestSubmissionRequiresAuthentication tests that the submission policy
// rejects both MAIL FROM and RCPT TO on unauthenticated sessions, even
// for hosted addresses.
func TestSubmissionRequiresAuthentication(t *testing.T) {
	f := NewRelayFilter(ListenerSubmission, true, []string{"example.com"}, false, &mockUserLookup{})
	ctx := context.Background()

	if err := f.CheckSender(false, mustAddress(t, "user@example.com")); err != errAuthRequired {
		t.Errorf("unauthenticated sender: got %v, want auth required", err)
	}
	// The null reverse-path does not bypass the requirement.
	if err := f.CheckSender(false, serverPkg.Address{}); err != errAuthRequired {
		t.Errorf("unauthenticated null sender: got %v, want auth required", err)
	}
	if _, err := f.CheckRecipient(ctx, false, mustAddress(t, "user@example.com")); err != errAuthRequired {
		t.Errorf("unauthenticated recipient: got %v, want auth required", err)
	}
}

// TestSubmissionAuthenticatedAcceptsAnyDomain tests that an
// authenticated session may submit to hosted and remote domains alike.
func TestSubmissionAuthenticatedAcceptsAnyDomain(t *testing.T) {
	users := &mockUserLookup{accounts: map[string]int64{"user@example.com": 7}}
	f := NewRelayFilter(ListenerSubmission, true, []string{"example.com"}, false, users)
	ctx := context.Background()

	if err := f.CheckSender(true, mustAddress(t, "user@example.com")); err != nil {
		t.Errorf("authenticated sender rejected: %v", err)
	}
	for _, rcpt := range []string{"user@example.com", "friend@remote.org"} {
		if _, err := f.CheckRecipient(ctx, true, mustAddress(t, rcpt)); err != nil {
			t.Errorf("authenticated recipient %s rejected: %v", rcpt, err)
		}
	}
}

// TestMXSenderAlwaysAccepted tests that the MX listener never rejects at
// MAIL FROM: remote servers are unauthenticated by nature and bounces
// arrive with the null reverse-path.
func TestMXSenderAlwaysAccepted(t *testing.T) {
	f := NewRelayFilter(ListenerMX, true, []string{"example.com"}, true, &mockUserLookup{})

	if err := f.CheckSender(false, mustAddress(t, "stranger@elsewhere.net")); err != nil {
		t.Errorf("MX sender rejected: %v", err)
	}
	if err := f.CheckSender(false, serverPkg.Address{}); err != nil {
		t.Errorf("MX null sender rejected: %v", err)
	}
}

// TestMXRecipientDomainPolicy tests the hosted-domain matching rules at
// RCPT TO: case-insensitive, exact, no subdomains.
func TestMXRecipientDomainPolicy(t *testing.T) {
	tests := []struct {
		name      string
		hosted    []string
		recipient string
		wantErr   error
	}{
		{"hosted domain", []string{"example.com"}, "user@example.com", nil},
		{"mixed case input", []string{"example.com"}, "User@EXAMPLE.COM", nil},
		{"mixed case config", []string{"Example.COM"}, "user@example.com", nil},
		{"second hosted domain", []string{"example.com", "example.org"}, "user@example.org", nil},
		{"remote domain", []string{"example.com"}, "user@remote.net", errRelayDenied},
		{"subdomain not hosted", []string{"example.com"}, "user@mail.example.com", errRelayDenied},
		{"parent not hosted", []string{"mail.example.com"}, "user@example.com", errRelayDenied},
		{"empty hosted list", nil, "user@example.com", errRelayDenied},
		{"blank entries ignored", []string{"", "  "}, "user@example.com", errRelayDenied},
	}

	ctx := context.Background()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := NewRelayFilter(ListenerMX, true, tc.hosted, false, &mockUserLookup{})
			_, err := f.CheckRecipient(ctx, false, mustAddress(t, tc.recipient))
			if err != tc.wantErr {
				t.Errorf("CheckRecipient(%s) = %v, want %v", tc.recipient, err, tc.wantErr)
			}
		})
	}
}

// TestRecipientValidation tests that with validation on, hosted
// recipients must resolve to a known user and lookups use the base
// address with any +detail stripped.
func TestRecipientValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("known user", func(t *testing.T) {
		users := &mockUserLookup{accounts: map[string]int64{"user@example.com": 42}}
		f := NewRelayFilter(ListenerMX, true, []string{"example.com"}, true, users)

		id, err := f.CheckRecipient(ctx, false, mustAddress(t, "user+tag@example.com"))
		if err != nil {
			t.Fatalf("known recipient rejected: %v", err)
		}
		if id != 42 {
			t.Errorf("got account %d, want 42", id)
		}
		if len(users.queries) != 1 || users.queries[0] != "user@example.com" {
			t.Errorf("lookup should use the base address, got %v", users.queries)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		f := NewRelayFilter(ListenerMX, true, []string{"example.com"}, true, &mockUserLookup{})
		_, err := f.CheckRecipient(ctx, false, mustAddress(t, "ghost@example.com"))
		if err != errNoSuchUser {
			t.Errorf("unknown recipient: got %v, want no such user", err)
		}
	})

	t.Run("lookup failure is transient", func(t *testing.T) {
		users := &mockUserLookup{err: errors.New("connection refused")}
		f := NewRelayFilter(ListenerMX, true, []string{"example.com"}, true, users)
		_, err := f.CheckRecipient(ctx, false, mustAddress(t, "user@example.com"))
		if err != errTemporaryFailure {
			t.Errorf("store outage: got %v, want temporary failure", err)
		}
	})

	t.Run("validation off skips lookup", func(t *testing.T) {
		users := &mockUserLookup{}
		f := NewRelayFilter(ListenerMX, true, []string{"example.com"}, false, users)
		id, err := f.CheckRecipient(ctx, false, mustAddress(t, "ghost@example.com"))
		if err != nil || id != 0 {
			t.Errorf("validation off: got (%d, %v), want (0, nil)", id, err)
		}
		if len(users.queries) != 0 {
			t.Errorf("validation off should not query the store, got %v", users.queries)
		}
	})
}

// TestSubmissionValidatesHostedRecipients tests that recipient
// validation also guards hosted addresses submitted by authenticated
// users, while remote recipients pass through unvalidated.
func TestSubmissionValidatesHostedRecipients(t *testing.T) {
	users := &mockUserLookup{accounts: map[string]int64{"user@example.com": 7}}
	f := NewRelayFilter(ListenerSubmission, true, []string{"example.com"}, true, users)
	ctx := context.Background()

	id, err := f.CheckRecipient(ctx, true, mustAddress(t, "user@example.com"))
	if err != nil {
		t.Fatalf("hosted recipient rejected: %v", err)
	}
	if id != 7 {
		t.Errorf("got account %d, want 7", id)
	}

	if _, err := f.CheckRecipient(ctx, true, mustAddress(t, "ghost@example.com")); err != errNoSuchUser {
		t.Errorf("unknown hosted recipient: got %v, want no such user", err)
	}

	queriesBefore := len(users.queries)
	id, err = f.CheckRecipient(ctx, true, mustAddress(t, "friend@remote.org"))
	if err != nil || id != 0 {
		t.Errorf("remote recipient: got (%d, %v), want (0, nil)", id, err)
	}
	if len(users.queries) != queriesBefore {
		t.Error("remote recipients have nothing to validate against")
	}
}

// TestHostsDomainIndependentOfEnabled tests that domain membership
// answers even when the filter is disabled: the submission data path
// uses it to split local and remote recipients.
func TestHostsDomainIndependentOfEnabled(t *testing.T) {
	f := NewRelayFilter(ListenerSubmission, false, []string{"example.com"}, false, &mockUserLookup{})

	if !f.HostsDomain("example.com") {
		t.Error("hosted domain not recognized on disabled filter")
	}
	if !f.HostsDomain("EXAMPLE.com") {
		t.Error("domain matching should be case-insensitive")
	}
	if f.HostsDomain("remote.org") {
		t.Error("remote domain recognized as hosted")
	}
}
