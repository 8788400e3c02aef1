package telemetry

import (
	"encoding/json"
	"net/http"
	"time"
)

// Health represents the health status of the telemetry client
type Health struct {
	State              string   `json:"state"`
	Initialized        bool     `json:"initialized"`
	ServiceName        string   `json:"service_name,omitempty"`
	Protocol           string   `json:"protocol,omitempty"`
	Plugins            []string `json:"plugins"`
	SpansExported      int64    `json:"spans_exported"`
	SpansDropped       int64    `json:"spans_dropped"`
	LogsExported       int64    `json:"logs_exported"`
	LogsDropped        int64    `json:"logs_dropped"`
	TransportErrors    int64    `json:"transport_errors"`
	LastTransportError string   `json:"last_transport_error,omitempty"`
	ObserverPanics     int64    `json:"observer_panics"`
	Uptime             string   `json:"uptime"`
}

// Health returns a snapshot of the controller's state and counters.
func (c *Controller) Health() Health {
	st := c.State()
	h := Health{
		State:           st.String(),
		Initialized:     st == StateInitialized,
		Plugins:         c.plugins.List(),
		SpansExported:   c.stats.spansExported.Load(),
		SpansDropped:    c.stats.spansDropped.Load(),
		LogsExported:    c.stats.logsExported.Load(),
		LogsDropped:     c.stats.logsDropped.Load(),
		TransportErrors: c.stats.transportErrors.Load(),
		ObserverPanics:  c.stats.observerPanics.Load(),
		Uptime:          time.Since(c.startTime).Round(time.Second).String(),
	}
	if s, ok := c.stats.lastTransportError.Load().(string); ok {
		h.LastTransportError = s
	}
	if cfg, ok := c.Config(); ok {
		h.ServiceName = cfg.ServiceName
		h.Protocol = cfg.Protocol
	}
	return h
}

// GetHealth returns the health of the process-wide controller.
func GetHealth() Health {
	return Default().Health()
}

// HealthHandler serves the health of the process-wide controller as JSON.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	Default().HealthHandler(w, r)
}

// HealthHandler serves c.Health() as JSON. It answers 503 when the client is
// not initialized and 206 when more than 10% of exports hit transport
// errors.
func (c *Controller) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	health := c.Health()
	w.Header().Set("Content-Type", "application/json")

	exported := health.SpansExported + health.LogsExported
	switch {
	case !health.Initialized:
		w.WriteHeader(http.StatusServiceUnavailable)
	case float64(health.TransportErrors)/float64(exported+1) > 0.1:
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(health)
}
