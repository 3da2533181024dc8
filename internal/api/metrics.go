package api

import (
	"net/http"

	"github.com/devghori1264/greenops/internal/metrics"
)

// RegisterMetrics registers the Prometheus handler of m in the provided mux.
func RegisterMetrics(mux *http.ServeMux, m *metrics.Metrics) {
	mux.Handle("/metrics", m.Handler())
}
