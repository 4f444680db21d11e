package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Risk levels attached to emitted events. High-risk events feed the
// security mode controller's rolling window.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Event types emitted by the defense engine.
const (
	TypeHardeningRejected  = "hardening.rejected"
	TypeRiskViolation      = "risk.violation"
	TypeIPBlocked          = "risk.ip_blocked"
	TypeRateLimited        = "ratelimit.exceeded"
	TypeAuthFailed         = "trust.auth_failed"
	TypeQuarantineHit      = "trust.quarantine_hit"
	TypeQuarantineSet      = "trust.quarantine_set"
	TypeQuarantineCleared  = "trust.quarantine_cleared"
	TypeSignatureRejected  = "signature.rejected"
	TypeEventBatchAccepted = "daemon.batch_accepted"
	TypeModeChanged        = "mode.changed"
	TypeLockdownDeny       = "mode.lockdown_deny"
)

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RiskLevel string         `json:"risk_level"`
	IP        string         `json:"ip"`
	ActorID   *int64         `json:"actor_id,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent stamps identity and time; callers fill the rest.
func NewEvent(eventType, riskLevel, ip string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RiskLevel: riskLevel,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	}
}

// Emitter is fire-and-forget: implementations must never block the
// request path and failures stay internal.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends events to the durable audit log.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

func (w *Writer) Append(ctx context.Context, evt Event) error {
	if w.Redact {
		evt = redactEvent(evt, w.HashSalt)
	}
	meta, err := json.Marshal(evt.Meta)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, risk_level, ip, actor_id, token_id, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, evt.ID, evt.Type, evt.RiskLevel, evt.IP, evt.ActorID, nullIfEmpty(evt.TokenID), meta, evt.CreatedAt)
	return err
}

// Recent returns the newest events for the operator surface.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, event_type, risk_level, ip, actor_id, token_id, meta, created_at
		FROM audit_events ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var evt Event
		var tokenID *string
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.RiskLevel, &evt.IP, &evt.ActorID, &tokenID, &meta, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if tokenID != nil {
			evt.TokenID = *tokenID
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &evt.Meta)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
