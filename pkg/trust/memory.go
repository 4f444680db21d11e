package trust

import (
	"context"
	"sync"
	"time"
)

// MemoryCredentialStore backs tests and single-node development setups.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
	now   func() time.Time
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: map[string]*Credential{}, now: time.Now}
}

func (m *MemoryCredentialStore) Add(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.TokenID] = cred
}

func (m *MemoryCredentialStore) Lookup(ctx context.Context, tokenID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[tokenID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	out := *cred
	if cred.Quarantine != nil {
		q := *cred.Quarantine
		out.Quarantine = &q
	}
	return &out, nil
}

func (m *MemoryCredentialStore) Quarantine(ctx context.Context, tokenID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[tokenID]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.Quarantine == nil {
		cred.Quarantine = &Quarantine{Reason: reason, QuarantinedAt: m.now().UTC()}
	}
	cred.Quarantine.ViolationCount++
	return nil
}

func (m *MemoryCredentialStore) ClearQuarantine(ctx context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[tokenID]
	if !ok {
		return ErrCredentialNotFound
	}
	cred.Quarantine = nil
	return nil
}
