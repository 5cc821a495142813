package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/oriys/agora/internal/cache"
	"github.com/oriys/agora/internal/cachepolicy"
	"github.com/oriys/agora/internal/edgecache"
	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/service"
	"github.com/oriys/agora/internal/store"
)

// Response headers describing how a read was served.
const (
	HeaderCache         = "X-Cache"
	HeaderCacheDegraded = "X-Cache-Degraded"
	HeaderInvalidation  = "X-Cache-Invalidation"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Debug("encode response failed", "error", err)
	}
}

// writeCached writes a cache-aside result with its cache headers.
func writeCached[T any](w http.ResponseWriter, out cache.FetchOutcome[T]) {
	if out.WasCached {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	if out.Degraded {
		w.Header().Set(HeaderCacheDegraded, "true")
	}
	writeJSON(w, http.StatusOK, out.Value)
}

// markInvalidation exposes a partial invalidation to the client without
// failing the write.
func markInvalidation(w http.ResponseWriter, rep cachepolicy.InvalidationReport) {
	if rep.Partial {
		w.Header().Set(HeaderInvalidation, "partial")
	}
}

// writeError maps service and store errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalid), errors.Is(err, cachepolicy.ErrEmptyPattern):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, edgecache.ErrObjectNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrImageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		logging.Op().Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}
