// Package server exposes a cache over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"goflare.io/tiercache"
)

// Cache is the subset of *tiercache.Cache the handler serves.
type Cache interface {
	Get(ctx context.Context, url string, opts ...tiercache.GetOption) (*tiercache.Payload, error)
	Invalidate(ctx context.Context, url string) error
	InvalidatePattern(ctx context.Context, re *regexp.Regexp) ([]string, error)
	Clear(ctx context.Context, names ...string) error
	Metrics(ctx context.Context) tiercache.Metrics
	Residency(ctx context.Context, url string) ([]tiercache.TierName, error)
	Classify(url string) (tiercache.Strategy, error)
}

// Header names set on resource responses.
const (
	HeaderStrategy = "X-Cache-Strategy"
	HeaderTiers    = "X-Cache-Tiers"
)

// Handler routes resource, admin and health requests.
type Handler struct {
	cache  Cache
	logger *zap.Logger
	mux    *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler.
func New(cache Cache, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{cache: cache, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /r/{path...}", h.handleResource)
	h.mux.HandleFunc("POST /invalidate", h.handleInvalidate)
	h.mux.HandleFunc("POST /clear", h.handleClear)
	h.mux.HandleFunc("GET /stats", h.handleStats)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// resourceURL maps /r/<path>?<query> onto the cached resource /<path>?<query>.
func resourceURL(r *http.Request) string {
	u := "/" + r.PathValue("path")
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

func (h *Handler) handleResource(w http.ResponseWriter, r *http.Request) {
	u := resourceURL(r)

	var opts []tiercache.GetOption
	used := tiercache.StrategyName(r.Header.Get(HeaderStrategy))
	if used != "" {
		opts = append(opts, tiercache.WithStrategy(used))
	}
	p, err := h.cache.Get(r.Context(), u, opts...)
	if err != nil {
		h.writeError(w, r, u, err)
		return
	}

	if used == "" {
		if s, err := h.cache.Classify(u); err == nil {
			used = s.Name
		}
	}
	if used != "" {
		w.Header().Set(HeaderStrategy, string(used))
	}
	if names, err := h.cache.Residency(r.Context(), u); err == nil && len(names) > 0 {
		parts := make([]string, len(names))
		for i, n := range names {
			parts[i] = string(n)
		}
		w.Header().Set(HeaderTiers, strings.Join(parts, ","))
	}
	for k, values := range p.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if p.ContentType != "" {
		w.Header().Set("Content-Type", p.ContentType)
	}
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(p.Body); err != nil {
		h.logger.Debug("Failed to write response", zap.String("url", u), zap.Error(err))
	}
}

func statusFor(err error) int {
	var netErr *tiercache.NetworkError
	switch {
	case errors.Is(err, tiercache.ErrNotAvailable):
		return http.StatusNotFound
	case errors.Is(err, tiercache.ErrClosed), errors.Is(err, tiercache.ErrTierUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, u string, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.String("url", u), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type invalidateResponse struct {
	Invalidated []string `json:"invalidated"`
}

// handleInvalidate drops one url (?url=) or every key matching ?pattern=.
func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("pattern") != "":
		re, err := regexp.Compile(q.Get("pattern"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		keys, err := h.cache.InvalidatePattern(r.Context(), re)
		if err != nil && keys == nil {
			h.writeError(w, r, q.Get("pattern"), err)
			return
		}
		if err != nil {
			h.logger.Warn("Pattern invalidation incomplete", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, invalidateResponse{Invalidated: keys})
	case q.Get("url") != "":
		if err := h.cache.Invalidate(r.Context(), q.Get("url")); err != nil {
			h.writeError(w, r, q.Get("url"), err)
			return
		}
		writeJSON(w, http.StatusOK, invalidateResponse{Invalidated: []string{q.Get("url")}})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url or pattern is required"})
	}
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context(), r.URL.Query()["tier"]...); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Metrics(r.Context()))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := h.cache.Metrics(r.Context())
	status := http.StatusOK
	if len(m.AvailableTiers) == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "tiers": m.AvailableTiers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
