package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
)

// Reason codes logged for forensics. Callers collapse most of them into
// one generic "invalid signature" response so a probe cannot learn
// which check it failed.
const (
	ReasonMissingHeaders    = "missing_headers"
	ReasonBadTimestamp      = "bad_timestamp"
	ReasonBadNonce          = "bad_nonce"
	ReasonClockSkew         = "clock_skew"
	ReasonBadSignatureShape = "bad_signature_shape"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonReplayDetected    = "replay_detected"
	ReasonStoreUnavailable  = "store_unavailable"
)

// Error carries the forensic reason code; the wrapped message is safe
// to log but must not be returned verbatim to the caller.
type Error struct {
	Reason string
	detail string
}

func (e *Error) Error() string {
	if e.detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.detail
}

// Malformed reports whether the failure is a header-shape problem
// (422 when signing is required) rather than a verification failure.
func (e *Error) Malformed() bool {
	switch e.Reason {
	case ReasonMissingHeaders, ReasonBadTimestamp, ReasonBadNonce, ReasonBadSignatureShape:
		return true
	}
	return false
}

// Retryable reports whether a well-behaved agent should retry with a
// fresh nonce and timestamp.
func (e *Error) Retryable() bool {
	return e.Reason == ReasonReplayDetected || e.Reason == ReasonClockSkew
}

var (
	timestampRe = regexp.MustCompile(`^\d{10}$`)
	nonceRe     = regexp.MustCompile(`^[a-fA-F0-9]{16,128}$`)
	signatureRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

const (
	DefaultMaxSkew      = 180 * time.Second
	MinSkew             = 30 * time.Second
	DefaultReplayWindow = 300 * time.Second
	MinReplayWindow     = 60 * time.Second
)

// Params resolve per request from the settings snapshot.
type Params struct {
	Required     bool
	MaxSkew      time.Duration
	ReplayWindow time.Duration
}

func (p Params) withFloors() Params {
	if p.MaxSkew <= 0 {
		p.MaxSkew = DefaultMaxSkew
	} else if p.MaxSkew < MinSkew {
		p.MaxSkew = MinSkew
	}
	if p.ReplayWindow <= 0 {
		p.ReplayWindow = DefaultReplayWindow
	} else if p.ReplayWindow < MinReplayWindow {
		p.ReplayWindow = MinReplayWindow
	}
	return p
}

// Request is the per-request verification context. Nothing in it is
// persisted; on success the nonce is promoted into a replay marker in
// the counter store.
type Request struct {
	TokenID   string
	Secret    []byte
	Timestamp string
	Nonce     string
	Signature string
	Body      []byte
}

// Verifier checks signed daemon submissions. The replay claim is the
// only stateful step and is deliberately last: a request rejected for
// any earlier reason never consumes nonce-cache space.
type Verifier struct {
	Store store.Store
	Now   func() time.Time
}

func NewVerifier(s store.Store) *Verifier {
	return &Verifier{Store: s, Now: time.Now}
}

// Verify runs the check sequence, short-circuiting on first failure.
// Cheap syntactic checks run before the HMAC; the HMAC runs before the
// store round trip.
func (v *Verifier) Verify(ctx context.Context, p Params, req Request) error {
	p = p.withFloors()
	if req.Timestamp == "" && req.Nonce == "" && req.Signature == "" {
		if !p.Required {
			// legacy migration escape hatch: unsigned submissions pass
			// only when signing is explicitly optional
			return nil
		}
		return &Error{Reason: ReasonMissingHeaders}
	}
	if req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return &Error{Reason: ReasonMissingHeaders}
	}
	if !timestampRe.MatchString(req.Timestamp) {
		return &Error{Reason: ReasonBadTimestamp}
	}
	if !nonceRe.MatchString(req.Nonce) {
		return &Error{Reason: ReasonBadNonce}
	}
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return &Error{Reason: ReasonBadTimestamp}
	}
	now := v.Now().UTC().Unix()
	if skew := absDiff(now, ts); skew > int64(p.MaxSkew/time.Second) {
		return &Error{Reason: ReasonClockSkew, detail: fmt.Sprintf("skew=%ds max=%ds", skew, int64(p.MaxSkew/time.Second))}
	}
	supplied := NormalizeSignature(req.Signature)
	if !signatureRe.MatchString(supplied) {
		return &Error{Reason: ReasonBadSignatureShape}
	}
	expected := ComputeSignature(req.Secret, req.Timestamp, req.Nonce, req.Body)
	suppliedRaw, err := hex.DecodeString(strings.ToLower(supplied))
	if err != nil {
		return &Error{Reason: ReasonBadSignatureShape}
	}
	expectedRaw, _ := hex.DecodeString(expected)
	if !hmac.Equal(suppliedRaw, expectedRaw) {
		return &Error{Reason: ReasonSignatureMismatch}
	}
	claimed, err := v.Store.SetNX(ctx, store.NonceKey(req.TokenID, req.Nonce), "1", p.ReplayWindow)
	if err != nil {
		// an unverifiable signed request must never pass: fail closed
		return &Error{Reason: ReasonStoreUnavailable, detail: err.Error()}
	}
	if !claimed {
		return &Error{Reason: ReasonReplayDetected}
	}
	return nil
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of
// timestamp "\n" nonce "\n" body.
func ComputeSignature(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeSignature strips the optional "sha256=" prefix.
func NormalizeSignature(raw string) string {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "sha256="); ok {
		return rest
	}
	return raw
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
