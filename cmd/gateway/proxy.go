package main

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/HexZoNetwork/HexTyl-sub001/pkg/auth"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/httpx"
	"github.com/HexZoNetwork/HexTyl-sub001/pkg/idempotency"
)

// handleProxy forwards panel traffic that survived the defense pipeline
// to the upstream application, with idempotent replay for keyed writes.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.Upstream == nil {
		httpx.ErrorCode(w, http.StatusBadGateway, "upstream_unconfigured", "no upstream configured")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotency.Header))
	if key == "" || !mutatingMethod(r.Method) {
		s.Upstream.ServeHTTP(w, r)
		return
	}

	scope := s.idempotencyScope(r)
	if rec, ok := s.Idempotency.Lookup(r.Context(), scope, key); ok {
		w.Header().Set(idempotency.HitHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Body)
		return
	}

	rec := newResponseBuffer(w)
	s.Upstream.ServeHTTP(rec, r)
	rec.flush()
	if isJSONResponse(rec.Header()) {
		s.Idempotency.Remember(r.Context(), scope, key, rec.status, rec.body.Bytes())
	}
}

func mutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// idempotencyScope keys replays to the acting principal when one is
// known, falling back to the client IP for anonymous panel traffic.
func (s *Server) idempotencyScope(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" && principal.Subject != "anonymous" {
		return "user:" + strings.ToLower(principal.Subject)
	}
	return "ip:" + s.clientIP(r)
}

func isJSONResponse(h http.Header) bool {
	ct := strings.ToLower(strings.TrimSpace(h.Get("Content-Type")))
	return strings.HasPrefix(ct, "application/json")
}

// responseBuffer holds the upstream response so it can be both
// delivered to the client and recorded for replay.
type responseBuffer struct {
	dst     http.ResponseWriter
	status  int
	body    bytes.Buffer
	flushed bool
}

func newResponseBuffer(dst http.ResponseWriter) *responseBuffer {
	return &responseBuffer{dst: dst, status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header { return b.dst.Header() }

func (b *responseBuffer) WriteHeader(statusCode int) {
	b.status = statusCode
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *responseBuffer) flush() {
	if b.flushed {
		return
	}
	b.flushed = true
	if b.Header().Get("Content-Length") != "" {
		b.Header().Set("Content-Length", strconv.Itoa(b.body.Len()))
	}
	b.dst.WriteHeader(b.status)
	_, _ = b.dst.Write(b.body.Bytes())
}
