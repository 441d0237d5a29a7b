// Package webapi serves the HTTP surface: the websocket gateway, health
// and metrics.
package webapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/tchaka/internal/relay"
)

// StatsSource reports live relay state.
type StatsSource interface {
	Stats() relay.Stats
}

// Options configures the router.
type Options struct {
	Logger *zap.Logger
	// Gateway serves websocket upgrades on /ws.
	Gateway http.Handler
	Stats   StatsSource
	// Connections returns the number of open chats.
	Connections func() int
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Health is the /health response body.
type Health struct {
	Status      string      `json:"status"`
	Connections int         `json:"connections"`
	Relay       relay.Stats `json:"relay"`
}

type webServer struct {
	logger      *zap.Logger
	stats       StatsSource
	connections func() int
}

// NewRouter builds the HTTP routes.
func NewRouter(opts Options) *mux.Router {
	w := &webServer{
		logger:      opts.Logger,
		stats:       opts.Stats,
		connections: opts.Connections,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}

	metricsHandler := promhttp.Handler()
	if opts.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
	}

	r := mux.NewRouter()
	if opts.Gateway != nil {
		r.Handle("/ws", opts.Gateway).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/", w.handleRoot).Methods(http.MethodGet)
	return r
}

func (w *webServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("tchaka relay: connect a websocket client to /ws"))
	if err != nil {
		w.logger.Debug("failed to write root response", zap.Error(err))
	}
}

func (w *webServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	health := Health{Status: "ok"}
	if w.stats != nil {
		health.Relay = w.stats.Stats()
	}
	if w.connections != nil {
		health.Connections = w.connections()
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(health); err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}
