package api

import (
	"net/http"
	"time"

	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
	"github.com/oriys/agora/internal/observability"
	"github.com/oriys/agora/internal/service"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Market  *service.Marketplace
	Metrics *metrics.Metrics // optional: serves /metrics when set
}

// NewHandler builds the routed, traced handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	(&Handler{Market: cfg.Market}).RegisterRoutes(mux)
	(&AdminHandler{Market: cfg.Market}).RegisterRoutes(mux)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
