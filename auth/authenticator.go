package auth

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
	"github.com/relatemail/ferry/pkg/taskqueue"
)

// Credential is an active API key loaded from the store. SecretHash is a
// bcrypt digest of the full key; the clear prefix only narrows candidates.
type Credential struct {
	ID         int64
	AccountID  int64
	Address    string
	SecretHash []byte
	Scopes     Scope
}

// CredentialStore loads active (non-revoked) credentials and records key
// usage.
type CredentialStore interface {
	ActiveCredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error)
	ActiveCredentialsByAddress(ctx context.Context, address string) ([]*Credential, error)
	TouchCredential(ctx context.Context, credentialID int64, usedAt time.Time) error
}

// Authenticator verifies presented credentials for every protocol
// listener. It consults the success cache before the store, registers
// each evaluated attempt with the rate limiter, and defers last-used
// updates to the task queue so the hot path never blocks on them.
type Authenticator struct {
	store   CredentialStore
	cache   *Cache
	limiter *RateLimiter
	tasks   *taskqueue.Queue
}

func NewAuthenticator(store CredentialStore, cache *Cache, limiter *RateLimiter, tasks *taskqueue.Queue) *Authenticator {
	return &Authenticator{
		store:   store,
		cache:   cache,
		limiter: limiter,
		tasks:   tasks,
	}
}

// Authenticate verifies identifier and secret for a connection from
// remoteAddr, requiring the given scope. The returned error is reserved
// for infrastructure failures; authentication failures are Result codes.
//
// The identifier is the account address; it may be empty when the secret
// alone identifies the credential by its indexed prefix.
func (a *Authenticator) Authenticate(ctx context.Context, remoteAddr net.Addr, protocol string, required Scope, identifier, secret string) (Result, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))

	if err := a.limiter.CanAttempt(remoteAddr, protocol); err != nil {
		var lockout *LockoutError
		if errors.As(err, &lockout) {
			metrics.AuthenticationAttempts.WithLabelValues(protocol, CodeRateLimited.String()).Inc()
			logger.Info("Authentication rejected by rate limiter", "protocol", protocol, "remote", remoteAddr.String(), "retry_after", lockout.RetryAfter)
			return Result{Code: CodeRateLimited, RetryAfter: lockout.RetryAfter}, nil
		}
		return Result{}, err
	}

	if delay := a.limiter.Delay(remoteAddr, protocol); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	result, err := a.cache.Verify(identifier, secret, required, func() (Result, error) {
		return a.verify(ctx, identifier, secret, required)
	})
	if err != nil {
		// Store unavailability must not count against the client.
		return Result{}, err
	}

	a.limiter.RecordAttempt(remoteAddr, protocol, result.OK())
	metrics.AuthenticationAttempts.WithLabelValues(protocol, result.Code.String()).Inc()

	switch result.Code {
	case CodeSuccess:
		a.enqueueTouch(result.credentialID)
	case CodeScopeDenied:
		logger.Info("Authentication denied: missing scope", "protocol", protocol, "remote", remoteAddr.String(), "identifier", identifier, "required", required.String())
	case CodeNotFound:
		logger.Info("Authentication failed", "protocol", protocol, "remote", remoteAddr.String(), "identifier", identifier)
	}

	return result, nil
}

// verify runs the expensive path: load candidates, compare bcrypt hashes,
// enforce scope. The first hash match decides the outcome; a match
// without the required scope is a hard failure, not a reason to try the
// next candidate.
func (a *Authenticator) verify(ctx context.Context, identifier, secret string, required Scope) (Result, error) {
	candidates, err := a.loadCandidates(ctx, identifier, secret)
	if err != nil {
		return Result{}, err
	}

	for _, cred := range candidates {
		if VerifyKey(cred.SecretHash, secret) != nil {
			continue
		}
		if !cred.Scopes.Has(required) {
			return Result{Code: CodeScopeDenied}, nil
		}
		return Result{
			Code:         CodeSuccess,
			AccountID:    cred.AccountID,
			Address:      cred.Address,
			credentialID: cred.ID,
		}, nil
	}

	return Result{Code: CodeNotFound}, nil
}

func (a *Authenticator) loadCandidates(ctx context.Context, identifier, secret string) ([]*Credential, error) {
	if prefix := KeyPrefix(secret); prefix != "" {
		candidates, err := a.store.ActiveCredentialsByPrefix(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if identifier == "" {
			return candidates, nil
		}
		// When both are presented, the key must belong to the claimed
		// account.
		matched := candidates[:0]
		for _, cred := range candidates {
			if cred.Address == identifier {
				matched = append(matched, cred)
			}
		}
		return matched, nil
	}

	if identifier == "" {
		return nil, nil
	}
	return a.store.ActiveCredentialsByAddress(ctx, identifier)
}

func (a *Authenticator) enqueueTouch(credentialID int64) {
	if a.tasks == nil || credentialID == 0 {
		return
	}

	a.tasks.Enqueue(taskqueue.Task{
		Name: "credential-touch",
		Fn: func(ctx context.Context) error {
			return a.store.TouchCredential(ctx, credentialID, time.Now())
		},
	})
}
