package renewal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/model"
)

// Metrics holds the renewal gauges. Timer-driven runs are separate
// processes, so the gauges are also rendered to a node_exporter textfile.
type Metrics struct {
	path     string
	registry *prometheus.Registry
	logger   zerolog.Logger

	expiry  prometheus.Gauge
	lastRun prometheus.Gauge
	success prometheus.Gauge
}

// NewMetrics creates a new Metrics. An empty path disables the textfile.
func NewMetrics(path string, logger zerolog.Logger) *Metrics {
	m := &Metrics{
		path:     path,
		registry: prometheus.NewRegistry(),
		logger:   logger.With().Str("component", "renewal-metrics").Logger(),
		expiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackboot_certificate_expiry_timestamp_seconds",
			Help: "NotAfter of the installed certificate as a unix timestamp.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackboot_renewal_last_run_timestamp_seconds",
			Help: "Start time of the last renewal run as a unix timestamp.",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackboot_renewal_success",
			Help: "1 if the last renewal run succeeded, 0 otherwise.",
		}),
	}
	m.registry.MustRegister(m.expiry, m.lastRun, m.success)
	return m
}

// Gatherer exposes the gauges for serving over HTTP.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Record updates the gauges and rewrites the textfile. Failures are logged.
func (m *Metrics) Record(cert *model.Certificate, ok bool, started time.Time) {
	if m == nil {
		return
	}
	m.lastRun.Set(float64(started.Unix()))
	if ok {
		m.success.Set(1)
	} else {
		m.success.Set(0)
	}
	if cert != nil && !cert.ExpiresAt.IsZero() {
		m.expiry.Set(float64(cert.ExpiresAt.Unix()))
	}
	if m.path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(m.path, m.registry); err != nil {
		m.logger.Warn().Err(err).Str("path", m.path).Msg("failed to write metrics textfile")
	}
}
