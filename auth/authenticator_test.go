package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relatemail/ferry/pkg/taskqueue"
	"golang.org/x/crypto/bcrypt"
)

type mockCredentialStore struct {
	mu           sync.Mutex
	credentials  []*Credential
	prefixCalls  int
	addressCalls int
	touched      []int64
	err          error
}

func (m *mockCredentialStore) ActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixCalls++
	if m.err != nil {
		return nil, m.err
	}
	// Prefix narrowing is the store's index; the bcrypt comparison does
	// the real filtering, so the mock returns everything.
	out := make([]*Credential, len(m.credentials))
	copy(out, m.credentials)
	return out, nil
}

func (m *mockCredentialStore) ActiveCredentialsByAddress(ctx context.Context, address string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addressCalls++
	if m.err != nil {
		return nil, m.err
	}
	var out []*Credential
	for _, cred := range m.credentials {
		if cred.Address == address {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (m *mockCredentialStore) TouchCredential(ctx context.Context, credentialID int64, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, credentialID)
	return nil
}

func (m *mockCredentialStore) storeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefixCalls + m.addressCalls
}

func (m *mockCredentialStore) touchedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.touched))
	copy(out, m.touched)
	return out
}

func mustHash(t *testing.T, secret string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return hash
}

// TestAuthenticateSuccess tests the full success path including the
// deferred last-used update.
func TestAuthenticateSuccess(t *testing.T) {
	key, _, _, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 7, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, key), Scopes: ScopeIMAP | ScopePOP3},
		},
	}

	tasks := taskqueue.New("auth-test", 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks.Start(ctx)

	a := NewAuthenticator(store, nil, nil, tasks)

	result, err := a.Authenticate(ctx, testAddr("10.0.0.1"), "imap", ScopeIMAP, "user@example.com", key)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeSuccess {
		t.Fatalf("expected success, got %v", result.Code)
	}
	if result.AccountID != 42 || result.Address != "user@example.com" {
		t.Errorf("unexpected result: %+v", result)
	}

	// Drain the queue so the touch task runs.
	if err := tasks.Stop(context.Background()); err != nil {
		t.Fatalf("queue stop failed: %v", err)
	}

	touched := store.touchedIDs()
	if len(touched) != 1 || touched[0] != 7 {
		t.Errorf("expected credential 7 touched once, got %v", touched)
	}
}

// TestAuthenticateWrongSecret tests that a non-matching secret is
// reported as not found, indistinguishable from an unknown account.
func TestAuthenticateWrongSecret(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "correct-secret"), Scopes: ScopeIMAP},
		},
	}

	a := NewAuthenticator(store, nil, nil, nil)

	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "user@example.com", "wrong-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeNotFound {
		t.Errorf("expected not_found, got %v", result.Code)
	}
}

// TestAuthenticateUnknownAccount tests that an account with no
// credentials is reported as not found.
func TestAuthenticateUnknownAccount(t *testing.T) {
	store := &mockCredentialStore{}
	a := NewAuthenticator(store, nil, nil, nil)

	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "nobody@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeNotFound {
		t.Errorf("expected not_found, got %v", result.Code)
	}
}

// TestAuthenticateScopeDenied tests that a matching credential without
// the required scope is a hard failure with its own code.
func TestAuthenticateScopeDenied(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "the-secret"), Scopes: ScopeSMTP},
		},
	}

	a := NewAuthenticator(store, nil, nil, nil)

	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "user@example.com", "the-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeScopeDenied {
		t.Errorf("expected scope_denied, got %v", result.Code)
	}
	if result.AccountID != 0 {
		t.Errorf("scope denial should not leak the account ID, got %d", result.AccountID)
	}
}

// TestAuthenticateSkipsNonMatchingCandidates tests that hash mismatches
// move on to the next candidate while a hash match decides immediately.
func TestAuthenticateSkipsNonMatchingCandidates(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "other-secret"), Scopes: ScopeIMAP},
			{ID: 2, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "the-secret"), Scopes: ScopeIMAP},
		},
	}

	a := NewAuthenticator(store, nil, nil, nil)

	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "user@example.com", "the-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeSuccess {
		t.Fatalf("expected success via the second candidate, got %v", result.Code)
	}
}

// TestAuthenticateNormalizesIdentifier tests that the identifier is
// trimmed and lowercased before lookup.
func TestAuthenticateNormalizesIdentifier(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "the-secret"), Scopes: ScopeIMAP},
		},
	}

	a := NewAuthenticator(store, nil, nil, nil)

	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "  User@EXAMPLE.com  ", "the-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeSuccess {
		t.Errorf("mixed-case identifier should match after normalization, got %v", result.Code)
	}
}

// TestAuthenticateKeyPrefixLookup tests that a key-shaped secret is
// looked up by prefix and bound to the claimed identifier.
func TestAuthenticateKeyPrefixLookup(t *testing.T) {
	key, _, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "owner@example.com", SecretHash: hash, Scopes: ScopeIMAP},
		},
	}

	a := NewAuthenticator(store, nil, nil, nil)

	// No identifier: the key alone identifies the credential.
	result, err := a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "", key)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeSuccess || result.Address != "owner@example.com" {
		t.Fatalf("key-only login should succeed, got %+v", result)
	}
	if store.prefixCalls == 0 {
		t.Error("key-shaped secret should use the prefix lookup")
	}
	if store.addressCalls != 0 {
		t.Error("key-shaped secret should not use the address lookup")
	}

	// Claimed identifier must match the key's owner.
	result, err = a.Authenticate(context.Background(), testAddr("10.0.0.1"), "imap", ScopeIMAP, "someoneelse@example.com", key)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeNotFound {
		t.Errorf("a key presented for a different account must fail, got %v", result.Code)
	}
}

// TestAuthenticateRateLimited tests that locked-out clients are rejected
// without consulting the store.
func TestAuthenticateRateLimited(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 1, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "the-secret"), Scopes: ScopeIMAP},
		},
	}
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		LockoutWindow:     15 * time.Minute,
		BaseDelay:         1 * time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
	})
	defer limiter.Stop()

	a := NewAuthenticator(store, nil, limiter, nil)
	ctx := context.Background()
	addr := testAddr("10.0.0.1")

	// Two failures reach the threshold.
	for i := 0; i < 2; i++ {
		result, err := a.Authenticate(ctx, addr, "imap", ScopeIMAP, "user@example.com", "wrong")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if result.Code != CodeNotFound {
			t.Fatalf("expected not_found, got %v", result.Code)
		}
	}

	callsBefore := store.storeCalls()

	result, err := a.Authenticate(ctx, addr, "imap", ScopeIMAP, "user@example.com", "the-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %v", result.Code)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("rate-limited result should carry RetryAfter, got %v", result.RetryAfter)
	}
	if store.storeCalls() != callsBefore {
		t.Error("locked-out attempts must not reach the credential store")
	}

	// A different client is unaffected.
	result, err = a.Authenticate(ctx, testAddr("10.0.0.2"), "imap", ScopeIMAP, "user@example.com", "the-secret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Code != CodeSuccess {
		t.Errorf("different client should authenticate normally, got %v", result.Code)
	}
}

// TestAuthenticateStoreErrorNotCounted tests that store failures surface
// as errors and do not count against the client.
func TestAuthenticateStoreErrorNotCounted(t *testing.T) {
	store := &mockCredentialStore{err: errors.New("connection refused")}
	limiter := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		LockoutWindow:     15 * time.Minute,
	})
	defer limiter.Stop()

	a := NewAuthenticator(store, nil, limiter, nil)
	ctx := context.Background()
	addr := testAddr("10.0.0.1")

	for i := 0; i < 5; i++ {
		if _, err := a.Authenticate(ctx, addr, "imap", ScopeIMAP, "user@example.com", "secret"); err == nil {
			t.Fatal("store failure should surface as an error")
		}
	}

	// A store outage must never lock clients out.
	if n := limiter.TrackedClients(); n != 0 {
		t.Errorf("store errors should not be recorded as failures, tracking %d clients", n)
	}
}

// TestAuthenticateCachedSuccess tests that a warm cache avoids the store
// on repeat logins but still records the attempt and the key usage.
func TestAuthenticateCachedSuccess(t *testing.T) {
	store := &mockCredentialStore{
		credentials: []*Credential{
			{ID: 7, AccountID: 42, Address: "user@example.com", SecretHash: mustHash(t, "the-secret"), Scopes: ScopeIMAP},
		},
	}
	cache := testCache(t, 30*time.Second, 100)

	tasks := taskqueue.New("auth-test", 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks.Start(ctx)

	a := NewAuthenticator(store, cache, nil, tasks)
	addr := testAddr("10.0.0.1")

	for i := 0; i < 3; i++ {
		result, err := a.Authenticate(ctx, addr, "imap", ScopeIMAP, "user@example.com", "the-secret")
		if err != nil {
			t.Fatalf("Authenticate %d failed: %v", i, err)
		}
		if result.Code != CodeSuccess || result.AccountID != 42 {
			t.Fatalf("Authenticate %d: unexpected result %+v", i, result)
		}
	}

	if calls := store.storeCalls(); calls != 1 {
		t.Errorf("repeat logins within the TTL should hit the store once, got %d calls", calls)
	}

	if err := tasks.Stop(context.Background()); err != nil {
		t.Fatalf("queue stop failed: %v", err)
	}
	// Cache hits still refresh the key's last-used timestamp.
	if touched := store.touchedIDs(); len(touched) != 3 {
		t.Errorf("expected 3 touch tasks, got %d", len(touched))
	}
}
