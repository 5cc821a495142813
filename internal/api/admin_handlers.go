package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oriys/agora/internal/service"
)

// AdminHandler serves cache introspection and maintenance routes.
type AdminHandler struct {
	Market *service.Marketplace
}

// RegisterRoutes registers the admin routes on mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /admin/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /admin/cache/invalidate", h.Invalidate)
	mux.HandleFunc("POST /admin/edge/warm", h.WarmEdge)
	mux.HandleFunc("POST /admin/edge/cleanup", h.CleanupEdge)
}

// Health handles GET /health. A degraded cache is reported but does not
// make the service unhealthy.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{"status": "ok", "cache": h.Market.CacheMode()}
	status := http.StatusOK
	if err := h.Market.Ping(ctx); err != nil {
		resp["status"] = "unavailable"
		resp["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// CacheStats handles GET /admin/cache/stats
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Market.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Invalidate handles POST /admin/cache/invalidate. An empty body or
// {"all": true} wipes the cache; {"pattern": "..."} purges a glob.
func (h *AdminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
		All     bool   `json:"all"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if req.All || req.Pattern == "" {
		writeJSON(w, http.StatusOK, h.Market.InvalidateAll(r.Context()))
		return
	}
	rep, err := h.Market.InvalidatePattern(r.Context(), req.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// WarmEdge handles POST /admin/edge/warm?n=50
func (h *AdminHandler) WarmEdge(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 50)
	if err != nil || n <= 0 {
		http.Error(w, "n must be a positive integer", http.StatusBadRequest)
		return
	}
	rep, err := h.Market.WarmEdge(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// CleanupEdge handles POST /admin/edge/cleanup
func (h *AdminHandler) CleanupEdge(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Market.CleanupEdge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
