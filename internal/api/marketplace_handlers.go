package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/oriys/agora/internal/domain"
	"github.com/oriys/agora/internal/opqueue"
	"github.com/oriys/agora/internal/service"
)

// Handler serves the marketplace API.
type Handler struct {
	Market *service.Marketplace
}

// RegisterRoutes registers the marketplace routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Reads; the two hottest listings run their cache fills through the
	// admission queue.
	mux.HandleFunc("GET /assets", critical(h.ListAssets))
	mux.HandleFunc("GET /stats", critical(h.Stats))
	mux.HandleFunc("GET /assets/{id}", h.GetAsset)
	mux.HandleFunc("GET /assets/{id}/image", h.GetAssetImage)
	mux.HandleFunc("GET /categories", h.ListCategories)
	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("GET /users/{id}/collection", h.GetCollection)

	// Writes
	mux.HandleFunc("POST /assets", h.CreateAsset)
	mux.HandleFunc("PATCH /assets/{id}", h.UpdateAsset)
	mux.HandleFunc("DELETE /assets/{id}", h.DeleteAsset)
	mux.HandleFunc("POST /assets/{id}/downloads", h.RecordDownload)
	mux.HandleFunc("POST /categories", h.CreateCategory)
	mux.HandleFunc("POST /users/{id}/collection", h.AddToCollection)
	mux.HandleFunc("DELETE /users/{id}/collection/{asset}", h.RemoveFromCollection)
}

// critical marks the request context so backing-store calls on a cache
// miss go through the admission queue.
func critical(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(opqueue.WithCritical(r.Context())))
	}
}

func listingQuery(r *http.Request) (domain.ListingQuery, error) {
	var q domain.ListingQuery
	var err error
	if q.Page, err = queryInt(r, "page", 1); err != nil {
		return q, err
	}
	if q.Limit, err = queryInt(r, "limit", domain.DefaultPageLimit); err != nil {
		return q, err
	}
	if v := r.URL.Query().Get("category"); v != "" {
		if q.CategoryID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return q, fmt.Errorf("category must be an integer")
		}
	}
	q.Search = r.URL.Query().Get("q")
	q.Sort = r.URL.Query().Get("sort")
	return q, nil
}

// ListAssets handles GET /assets
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	q, err := listingQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.Market.ListAssets(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// Search handles GET /search
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q, err := listingQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.Market.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// GetAsset handles GET /assets/{id}
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	out, err := h.Market.GetAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// GetAssetImage handles GET /assets/{id}/image
func (h *Handler) GetAssetImage(w http.ResponseWriter, r *http.Request) {
	data, source, err := h.Market.AssetImage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("X-Image-Source", source)
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	w.Write(data)
}

// ListCategories handles GET /categories
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	out, err := h.Market.Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	out, err := h.Market.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// GetCollection handles GET /users/{id}/collection
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", domain.DefaultPageLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.Market.Collection(r.Context(), r.PathValue("id"), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, out)
}

// CreateAsset handles POST /assets
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var a domain.Asset
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	// Server-managed fields
	a.ID, a.Downloads, a.Rating, a.ReviewCount = "", 0, 0, 0

	rep, err := h.Market.CreateAsset(r.Context(), &a)
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	writeJSON(w, http.StatusCreated, a)
}

// UpdateAsset handles PATCH /assets/{id}
func (h *Handler) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	var patch domain.AssetPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	a, rep, err := h.Market.UpdateAsset(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	writeJSON(w, http.StatusOK, a)
}

// DeleteAsset handles DELETE /assets/{id}
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Market.DeleteAsset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	w.WriteHeader(http.StatusNoContent)
}

// RecordDownload handles POST /assets/{id}/downloads
func (h *Handler) RecordDownload(w http.ResponseWriter, r *http.Request) {
	n, err := h.Market.RecordDownload(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"recent_downloads": n})
}

// CreateCategory handles POST /categories
func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var c domain.Category
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	c.ID, c.AssetCount = 0, 0

	rep, err := h.Market.CreateCategory(r.Context(), &c)
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	writeJSON(w, http.StatusCreated, c)
}

// AddToCollection handles POST /users/{id}/collection
func (h *Handler) AddToCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	rep, err := h.Market.AddToCollection(r.Context(), r.PathValue("id"), req.AssetID)
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	w.WriteHeader(http.StatusNoContent)
}

// RemoveFromCollection handles DELETE /users/{id}/collection/{asset}
func (h *Handler) RemoveFromCollection(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Market.RemoveFromCollection(r.Context(), r.PathValue("id"), r.PathValue("asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	markInvalidation(w, rep)
	w.WriteHeader(http.StatusNoContent)
}
