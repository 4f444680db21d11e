package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type settingsDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists operator overrides as key/value rows in the
// security_settings table. Unknown keys are ignored on load so a
// rollback never breaks startup.
type PostgresStore struct {
	DB settingsDB
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Defaults()
	rows, err := s.DB.Query(ctx, `SELECT key, value FROM security_settings`)
	if err != nil {
		return snap, fmt.Errorf("settings load: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return snap, fmt.Errorf("settings scan: %w", err)
		}
		applyKey(&snap, key, value)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("settings rows: %w", err)
	}
	return snap, nil
}

// Put upserts one override. The caller validates the key; an unknown
// key is still stored so operators can stage values for a newer build.
func (s *PostgresStore) Put(ctx context.Context, key, value string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO security_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("settings put: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM security_settings WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("settings delete: %w", err)
	}
	return nil
}

// KnownKeys lists the keys the current build interprets, in the order
// the settings endpoint reports them.
func KnownKeys() []string {
	return []string{
		"signature_required",
		"max_clock_skew_seconds",
		"replay_window_seconds",
		"login_per_minute",
		"api_per_minute",
		"daemon_per_minute",
		"risk_window_seconds",
		"risk_throttle",
		"risk_throttle_heavy",
		"risk_block",
		"temp_block_seconds",
		"burst_window_seconds",
		"burst_trigger",
		"elevated_window_seconds",
		"elevated_trigger",
		"mode_cooldown_seconds",
		"idempotency_ttl_seconds",
		"whitelist_cidrs",
	}
}

func applyKey(snap *Snapshot, key, value string) {
	switch key {
	case "signature_required":
		if b, err := strconv.ParseBool(value); err == nil {
			snap.SignatureRequired = b
		}
	case "max_clock_skew_seconds":
		applySeconds(&snap.MaxClockSkew, value)
	case "replay_window_seconds":
		applySeconds(&snap.ReplayWindow, value)
	case "login_per_minute":
		applyInt(&snap.LoginPerMinute, value)
	case "api_per_minute":
		applyInt(&snap.APIPerMinute, value)
	case "daemon_per_minute":
		applyInt(&snap.DaemonPerMinute, value)
	case "risk_window_seconds":
		applySeconds(&snap.RiskWindow, value)
	case "risk_throttle":
		applyInt64(&snap.RiskThrottle, value)
	case "risk_throttle_heavy":
		applyInt64(&snap.RiskThrottleHeavy, value)
	case "risk_block":
		applyInt64(&snap.RiskBlock, value)
	case "temp_block_seconds":
		applySeconds(&snap.TempBlockDuration, value)
	case "burst_window_seconds":
		applySeconds(&snap.BurstWindow, value)
	case "burst_trigger":
		applyInt64(&snap.BurstTrigger, value)
	case "elevated_window_seconds":
		applySeconds(&snap.ElevatedWindow, value)
	case "elevated_trigger":
		applyInt64(&snap.ElevatedTrigger, value)
	case "mode_cooldown_seconds":
		applySeconds(&snap.ModeCooldown, value)
	case "idempotency_ttl_seconds":
		applySeconds(&snap.IdempotencyTTL, value)
	case "whitelist_cidrs":
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		snap.WhitelistCIDRs = out
	}
}

func applySeconds(dst *time.Duration, value string) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
	}
}

func applyInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		*dst = n
	}
}

func applyInt64(dst *int64, value string) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
		*dst = n
	}
}
