package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	tlsUpgradesTotal  prometheus.Counter

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	dataBytesTotal prometheus.Counter
	dataSizeBytes  prometheus.Histogram

	queueDepth prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsUpgradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_tls_upgrades_total",
			Help: "Total number of successful STARTTLS upgrades.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_auth_attempts_total",
			Help: "Total number of AUTH PLAIN attempts.",
		}, []string{"result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		dataBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_data_bytes_total",
			Help: "Total number of DATA body bytes accepted across all transactions.",
		}),
		dataSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpd_data_transaction_bytes",
			Help:    "Size of accepted DATA bodies in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 2097152},
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpd_task_queue_depth",
			Help: "Number of tasks currently queued in the cooperative runtime.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsUpgradesTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.dataBytesTotal,
		c.dataSizeBytes,
		c.queueDepth,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSUpgraded increments the STARTTLS upgrade counter.
func (c *PrometheusCollector) TLSUpgraded() {
	c.tlsUpgradesTotal.Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// DataBytes increments the total DATA byte counter and observes one
// transaction's size.
func (c *PrometheusCollector) DataBytes(n int64) {
	c.dataBytesTotal.Add(float64(n))
	c.dataSizeBytes.Observe(float64(n))
}

// QueueDepth sets the current task queue depth gauge.
func (c *PrometheusCollector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// PrometheusServer exposes a Collector's metrics over HTTP at path,
// using promhttp against the default registry.
type PrometheusServer struct {
	addr   string
	path   string
	server *http.Server
}

// NewPrometheusServer returns a PrometheusServer that will listen on
// addr and serve the default Prometheus registry at path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	return &PrometheusServer{addr: addr, path: path}
}

// Start binds addr and blocks serving metrics until ctx is cancelled.
func (s *PrometheusServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	s.server = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return context.Canceled
		}
		return err
	}
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
