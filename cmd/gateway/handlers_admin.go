package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/audit"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/httpx"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/mode"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/settings"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/store"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func (s *Server) getSecurityMode(w http.ResponseWriter, r *http.Request) {
	effective := s.Mode.Evaluate(r.Context())
	httpx.WriteJSON(w, 200, map[string]string{
		"mode":     effective,
		"override": s.Mode.CurrentOverride(),
	})
}

func (s *Server) putSecurityMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	if req.Mode == "" || !s.Mode.Override(r.Context(), req.Mode) {
		httpx.ErrorCode(w, 422, "unknown_mode", "mode must be normal, elevated or lockdown")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"mode":     s.Mode.Evaluate(r.Context()),
		"override": s.Mode.CurrentOverride(),
	})
}

func (s *Server) clearSecurityMode(w http.ResponseWriter, r *http.Request) {
	s.Mode.Override(r.Context(), "")
	httpx.WriteJSON(w, 200, map[string]string{
		"mode":     s.Mode.Evaluate(r.Context()),
		"override": "",
	})
}

func (s *Server) getRisk(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	ctx := r.Context()
	httpx.WriteJSON(w, 200, map[string]any{
		"ip":          ip,
		"score":       s.Risk.Score(ctx, ip),
		"restriction": s.Risk.Restriction(ctx, ip),
	})
}

func (s *Server) blockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	var req struct {
		DurationSec int    `json:"duration_sec"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	duration := time.Duration(req.DurationSec) * time.Second
	if duration <= 0 {
		duration = s.tempBlockDuration(r.Context())
	}
	if !s.Risk.TempBlock(r.Context(), ip, duration) {
		httpx.ErrorCode(w, 422, "block_rejected", "ip is whitelisted or store rejected the block")
		return
	}
	evt := audit.NewEvent(audit.TypeIPBlocked, audit.RiskHigh, ip)
	evt.Meta = map[string]any{"source": "operator", "reason": req.Reason, "duration_sec": int(duration / time.Second)}
	s.Audit.Emit(r.Context(), evt)
	httpx.WriteJSON(w, 200, map[string]any{"ip": ip, "blocked_for_sec": int(duration / time.Second)})
}

func (s *Server) clearRisk(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	ctx := r.Context()
	if err := s.Store.Del(ctx, store.RiskKey(ip)); err != nil {
		httpx.Error(w, 500, "clear failed")
		return
	}
	_ = s.Store.Del(ctx, store.TempBlockKey(ip))
	httpx.WriteJSON(w, 200, map[string]any{"ip": ip, "score": int64(0), "restriction": "none"})
}

func (s *Server) quarantineNode(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token_id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "operator action"
	}
	if err := s.Trust.QuarantineCredential(r.Context(), tokenID, req.Reason, s.clientIP(r)); err != nil {
		httpx.Error(w, 500, "quarantine failed")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"token_id": tokenID, "status": "quarantined"})
}

func (s *Server) clearNodeQuarantine(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token_id")
	if err := s.Trust.Store.ClearQuarantine(r.Context(), tokenID); err != nil {
		httpx.Error(w, 500, "clear failed")
		return
	}
	evt := audit.NewEvent(audit.TypeQuarantineCleared, audit.RiskMedium, s.clientIP(r))
	evt.TokenID = tokenID
	s.Audit.Emit(r.Context(), evt)
	httpx.WriteJSON(w, 200, map[string]string{"token_id": tokenID, "status": "active"})
}

func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.AuditLog.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, 500, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"events": events})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.Settings.Current(r.Context())
	httpx.WriteJSON(w, 200, map[string]any{
		"settings":   snap,
		"known_keys": settings.KnownKeys(),
	})
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	if s.SettingsStore == nil {
		httpx.Error(w, 503, "settings store unavailable")
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Key = strings.ToLower(strings.TrimSpace(req.Key))
	if req.Key == "" {
		httpx.Error(w, 400, "key required")
		return
	}
	if err := s.SettingsStore.Put(r.Context(), req.Key, req.Value); err != nil {
		httpx.Error(w, 500, "settings write failed")
		return
	}
	if s.SettingsCache != nil {
		s.SettingsCache.Invalidate()
	}
	snap := s.Settings.Current(r.Context())
	s.Mode.SetThresholds(mode.Thresholds{
		BurstWindow:     snap.BurstWindow,
		BurstTrigger:    snap.BurstTrigger,
		ElevatedWindow:  snap.ElevatedWindow,
		ElevatedTrigger: snap.ElevatedTrigger,
		Cooldown:        snap.ModeCooldown,
	})
	httpx.WriteJSON(w, 200, map[string]any{"settings": snap})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
