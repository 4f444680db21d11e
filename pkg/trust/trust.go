package trust

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
)

var (
	// ErrMalformedToken means the bearer credential was not structurally
	// a token: not exactly two non-empty dot-separated parts.
	ErrMalformedToken = errors.New("malformed bearer token")
	// ErrDenied covers both unknown token IDs and secret mismatches.
	// The two cases are deliberately indistinguishable to the caller so
	// the endpoint cannot be used as a credential-existence oracle.
	ErrDenied = errors.New("credential denied")
)

// QuarantinedError is returned for credentials an operator or the
// engine has suspended. It is terminal: nothing inside the engine
// transitions a credential back to active.
type QuarantinedError struct {
	TokenID        string
	Reason         string
	ViolationCount int
	QuarantinedAt  time.Time
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("credential %s is quarantined", e.TokenID)
}

// Quarantine state carried on a credential.
type Quarantine struct {
	Reason         string
	ViolationCount int
	QuarantinedAt  time.Time
}

// Credential is a daemon identity as the engine sees it: the public
// token ID, the shared secret (decrypted by the store), and quarantine
// state if any.
type Credential struct {
	TokenID    string
	NodeID     int64
	Secret     []byte
	Quarantine *Quarantine
}

// CredentialStore is owned by the node-identity collaborator. The
// engine reads secrets for comparison and writes quarantine state.
type CredentialStore interface {
	Lookup(ctx context.Context, tokenID string) (*Credential, error)
	// Quarantine marks the credential suspended, stamping the time on
	// first call and bumping the violation count on every call.
	Quarantine(ctx context.Context, tokenID, reason string) error
	// ClearQuarantine is the operator escape hatch, never called from
	// the request path.
	ClearQuarantine(ctx context.Context, tokenID string) error
}

// ErrCredentialNotFound is the store-level absence signal; Authenticate
// folds it into ErrDenied before anything reaches a response.
var ErrCredentialNotFound = errors.New("credential not found")

// Authority validates daemon bearer credentials.
type Authority struct {
	Store CredentialStore
	Audit audit.Emitter
}

func NewAuthority(store CredentialStore, sink audit.Emitter) *Authority {
	return &Authority{Store: store, Audit: sink}
}

// ParseBearer splits "token_id.secret", accepting an optional "Bearer "
// scheme prefix. Structure errors are reported before any store access.
func ParseBearer(raw string) (tokenID, secret string, err error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedToken
	}
	return parts[0], parts[1], nil
}

// Authenticate resolves a bearer value to a credential. Quarantined
// credentials are rejected before the secret is compared so the
// response cannot reveal whether the presented secret was correct.
func (a *Authority) Authenticate(ctx context.Context, bearer, ip string) (*Credential, error) {
	tokenID, secret, err := ParseBearer(bearer)
	if err != nil {
		return nil, err
	}
	cred, err := a.Store.Lookup(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			a.emitAuthFailure(ctx, tokenID, ip, "unknown_token")
			return nil, ErrDenied
		}
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	if q := cred.Quarantine; q != nil {
		evt := audit.NewEvent(audit.TypeQuarantineHit, audit.RiskHigh, ip)
		evt.TokenID = tokenID
		evt.Meta = map[string]any{
			"violation_count": q.ViolationCount,
			"quarantined_at":  q.QuarantinedAt.UTC().Format(time.RFC3339),
		}
		a.emit(ctx, evt)
		return nil, &QuarantinedError{
			TokenID:        tokenID,
			Reason:         q.Reason,
			ViolationCount: q.ViolationCount,
			QuarantinedAt:  q.QuarantinedAt,
		}
	}
	if !secretsMatch(cred.Secret, []byte(secret)) {
		a.emitAuthFailure(ctx, tokenID, ip, "secret_mismatch")
		return nil, ErrDenied
	}
	return cred, nil
}

// QuarantineCredential suspends a credential after a detected
// compromise. Safe to call repeatedly; each call bumps the count.
func (a *Authority) QuarantineCredential(ctx context.Context, tokenID, reason, ip string) error {
	if err := a.Store.Quarantine(ctx, tokenID, reason); err != nil {
		return fmt.Errorf("quarantine %s: %w", tokenID, err)
	}
	evt := audit.NewEvent(audit.TypeQuarantineSet, audit.RiskHigh, ip)
	evt.TokenID = tokenID
	evt.Meta = map[string]any{"reason": reason}
	a.emit(ctx, evt)
	return nil
}

// secretsMatch compares fixed-size digests so the comparison cost does
// not depend on where the inputs diverge or on their lengths.
func secretsMatch(stored, presented []byte) bool {
	a := sha256.Sum256(stored)
	b := sha256.Sum256(presented)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func (a *Authority) emitAuthFailure(ctx context.Context, tokenID, ip, detail string) {
	evt := audit.NewEvent(audit.TypeAuthFailed, audit.RiskMedium, ip)
	evt.TokenID = tokenID
	evt.Meta = map[string]any{"detail": detail}
	a.emit(ctx, evt)
}

func (a *Authority) emit(ctx context.Context, evt audit.Event) {
	if a.Audit != nil {
		a.Audit.Emit(ctx, evt)
	}
}
