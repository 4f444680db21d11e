package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/httpx"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/risk"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/signature"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/trust"
)

// Signature headers on daemon submissions.
const (
	headerSignatureTimestamp = "X-Signature-Timestamp"
	headerSignatureNonce     = "X-Signature-Nonce"
	headerSignature          = "X-Signature"
)

type daemonEvent struct {
	Type string         `json:"type"`
	IP   string         `json:"ip"`
	Meta map[string]any `json:"meta,omitempty"`
}

type daemonEventBatch struct {
	Events []daemonEvent `json:"events"`
}

// daemon-reported security observations the engine acts on
var daemonEventKinds = map[string]string{
	"auth_failure": risk.KindAuthFailure,
	"honeypot":     risk.KindHoneypot,
	"hardening":    risk.KindHardening,
	"rate_limit":   risk.KindRateLimit,
}

// handleDaemonEvents ingests signed security event batches from node
// daemons. Authentication and signature verification both fail closed;
// only a fully verified batch touches the risk counters.
func (s *Server) handleDaemonEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := s.clientIP(r)

	cred, err := s.Trust.Authenticate(ctx, r.Header.Get("Authorization"), ip)
	if err != nil {
		var quarantined *trust.QuarantinedError
		switch {
		case errors.Is(err, trust.ErrMalformedToken):
			s.reportViolation(ctx, ip, risk.KindAuthFailure)
			s.deny(w, http.StatusUnauthorized, "invalid_credentials", "missing or malformed bearer credential")
		case errors.As(err, &quarantined), errors.Is(err, trust.ErrDenied):
			// one uniform denial for unknown, mismatched and quarantined
			// credentials
			s.reportViolation(ctx, ip, risk.KindAuthFailure)
			s.deny(w, http.StatusForbidden, "invalid_credentials", "credentials rejected")
		default:
			s.deny(w, http.StatusServiceUnavailable, "store_unavailable", "credential store unavailable")
		}
		return
	}

	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}

	snap := s.Settings.Current(ctx)
	verifyStart := time.Now()
	err = s.Verifier.Verify(ctx, signature.Params{
		Required:     snap.SignatureRequired,
		MaxSkew:      snap.MaxClockSkew,
		ReplayWindow: snap.ReplayWindow,
	}, signature.Request{
		TokenID:   cred.TokenID,
		Secret:    cred.Secret,
		Timestamp: r.Header.Get(headerSignatureTimestamp),
		Nonce:     r.Header.Get(headerSignatureNonce),
		Signature: signatureHeader(r),
		Body:      body,
	})
	s.Metrics.ObserveVerifyLatency(time.Since(verifyStart))
	if err != nil {
		var sigErr *signature.Error
		if !errors.As(err, &sigErr) {
			s.deny(w, http.StatusInternalServerError, "verify_failed", "verification failed")
			return
		}
		// the forensic reason stays in the audit trail and metrics;
		// the caller only learns that verification failed and whether
		// a retry with fresh material can succeed
		evt := audit.NewEvent(audit.TypeSignatureRejected, audit.RiskMedium, ip)
		evt.TokenID = cred.TokenID
		evt.Meta = map[string]any{"reason": sigErr.Reason}
		s.Audit.Emit(ctx, evt)
		s.reportViolation(ctx, ip, risk.KindSignature)
		switch {
		case sigErr.Reason == signature.ReasonStoreUnavailable:
			s.deny(w, http.StatusServiceUnavailable, "store_unavailable", "verification temporarily unavailable")
		case sigErr.Malformed():
			s.deny(w, http.StatusUnprocessableEntity, "malformed_signature", "signature headers malformed or missing")
		default:
			s.Metrics.IncDecision("deny")
			s.Metrics.IncReason(sigErr.Reason)
			s.Metrics.IncDecisionReason("deny", sigErr.Reason)
			httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
				"error":     "invalid signature",
				"code":      "invalid_signature",
				"retryable": sigErr.Retryable(),
			})
		}
		return
	}

	var batch daemonEventBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "invalid_json", "body must be a JSON event batch")
		return
	}

	accepted := 0
	for _, evt := range batch.Events {
		kind, known := daemonEventKinds[strings.ToLower(strings.TrimSpace(evt.Type))]
		if !known || strings.TrimSpace(evt.IP) == "" {
			continue
		}
		s.reportViolation(ctx, evt.IP, kind)
		accepted++
	}

	s.Metrics.IncDaemonEvents()
	s.Metrics.IncDecision("allow")
	batchEvt := audit.NewEvent(audit.TypeEventBatchAccepted, audit.RiskLow, ip)
	batchEvt.TokenID = cred.TokenID
	batchEvt.Meta = map[string]any{"received": len(batch.Events), "accepted": accepted}
	s.Audit.Emit(ctx, batchEvt)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// signatureHeader accepts the canonical header plus the bare Signature
// and prefixed X-Signature-256 forms older daemon builds send.
func signatureHeader(r *http.Request) string {
	if v := r.Header.Get(headerSignature); v != "" {
		return v
	}
	if v := r.Header.Get("Signature"); v != "" {
		return v
	}
	return r.Header.Get("X-Signature-256")
}
