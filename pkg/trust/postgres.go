package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type credentialDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCredentialStore reads node credentials from the panel
// database. Secrets are stored sealed; the box decrypts on read.
type PostgresCredentialStore struct {
	DB  credentialDB
	Box *SecretBox
}

func (s *PostgresCredentialStore) Lookup(ctx context.Context, tokenID string) (*Credential, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT node_id, encrypted_secret, quarantine_reason, quarantine_violations, quarantined_at
		FROM node_credentials WHERE token_id = $1
	`, tokenID)
	var (
		nodeID        int64
		sealed        []byte
		reason        *string
		violations    *int
		quarantinedAt *time.Time
	)
	if err := row.Scan(&nodeID, &sealed, &reason, &violations, &quarantinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	secret, err := s.Box.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal secret for %s: %w", tokenID, err)
	}
	cred := &Credential{TokenID: tokenID, NodeID: nodeID, Secret: secret}
	if quarantinedAt != nil {
		q := &Quarantine{QuarantinedAt: *quarantinedAt}
		if reason != nil {
			q.Reason = *reason
		}
		if violations != nil {
			q.ViolationCount = *violations
		}
		cred.Quarantine = q
	}
	return cred, nil
}

func (s *PostgresCredentialStore) Quarantine(ctx context.Context, tokenID, reason string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE node_credentials
		SET quarantine_reason = COALESCE(quarantine_reason, $2),
		    quarantine_violations = COALESCE(quarantine_violations, 0) + 1,
		    quarantined_at = COALESCE(quarantined_at, NOW())
		WHERE token_id = $1
	`, tokenID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *PostgresCredentialStore) ClearQuarantine(ctx context.Context, tokenID string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE node_credentials
		SET quarantine_reason = NULL, quarantine_violations = NULL, quarantined_at = NULL
		WHERE token_id = $1
	`, tokenID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
