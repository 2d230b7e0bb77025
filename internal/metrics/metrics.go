// Package metrics serves the operator-facing observability endpoint:
// Prometheus metrics on /metrics and a JSON health report on /healthz.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fwmon/fwmon/internal/logger"
	"github.com/fwmon/fwmon/internal/supervisor"
	"github.com/fwmon/fwmon/internal/worker"
)

// Source is the state the exporter scrapes. The supervisor implements it.
type Source interface {
	Snapshot() []worker.Status
	Health() supervisor.Health
}

// Exporter turns supervisor snapshots into Prometheus metrics at scrape
// time, so no counters need threading through the sampling loops.
type Exporter struct {
	src Source

	up             *prometheus.Desc
	recordsWritten *prometheus.Desc
	bufferLen      *prometheus.Desc
	failureStreak  *prometheus.Desc
	lastSuccessAge *prometheus.Desc
	poolInUse      *prometheus.Desc
	poolCapacity   *prometheus.Desc
	memoryRSS      *prometheus.Desc
}

// NewExporter builds an exporter over the given source.
func NewExporter(src Source) *Exporter {
	targetLabels := []string{"target"}
	return &Exporter{
		src: src,
		up: prometheus.NewDesc("fwmon_target_up",
			"1 when the target's worker is running, 0 otherwise.", targetLabels, nil),
		recordsWritten: prometheus.NewDesc("fwmon_records_written_total",
			"Aggregated records written per target.", targetLabels, nil),
		bufferLen: prometheus.NewDesc("fwmon_buffer_samples",
			"Raw samples currently buffered per target.", targetLabels, nil),
		failureStreak: prometheus.NewDesc("fwmon_auth_failure_streak",
			"Consecutive authentication failures per target.", targetLabels, nil),
		lastSuccessAge: prometheus.NewDesc("fwmon_last_success_age_seconds",
			"Seconds since the target last answered a query.", targetLabels, nil),
		poolInUse: prometheus.NewDesc("fwmon_store_pool_in_use",
			"Store connections currently checked out.", nil, nil),
		poolCapacity: prometheus.NewDesc("fwmon_store_pool_capacity",
			"Configured store connection pool size.", nil, nil),
		memoryRSS: prometheus.NewDesc("fwmon_memory_rss_bytes",
			"Resident memory of the fwmon process.", nil, nil),
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.recordsWritten
	ch <- e.bufferLen
	ch <- e.failureStreak
	ch <- e.lastSuccessAge
	ch <- e.poolInUse
	ch <- e.poolCapacity
	ch <- e.memoryRSS
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	h := e.src.Health()
	ch <- prometheus.MustNewConstMetric(e.poolInUse, prometheus.GaugeValue, float64(h.PoolInUse))
	ch <- prometheus.MustNewConstMetric(e.poolCapacity, prometheus.GaugeValue, float64(h.PoolCapacity))
	ch <- prometheus.MustNewConstMetric(e.memoryRSS, prometheus.GaugeValue, float64(h.MemoryRSSBytes))

	for _, st := range e.src.Snapshot() {
		up := 0.0
		if st.State == worker.StateRunning {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up, st.Name)
		ch <- prometheus.MustNewConstMetric(e.recordsWritten, prometheus.CounterValue, float64(st.RecordsWritten), st.Name)
		ch <- prometheus.MustNewConstMetric(e.bufferLen, prometheus.GaugeValue, float64(st.BufferLen), st.Name)
		ch <- prometheus.MustNewConstMetric(e.failureStreak, prometheus.GaugeValue, float64(st.FailureStreak), st.Name)
		if !st.LastSuccess.IsZero() {
			ch <- prometheus.MustNewConstMetric(e.lastSuccessAge, prometheus.GaugeValue, time.Since(st.LastSuccess).Seconds(), st.Name)
		}
	}
}

var _ prometheus.Collector = (*Exporter)(nil)

// Server hosts /metrics and /healthz.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer builds the observability server on its own registry so repeated
// construction in tests never collides with the global one.
func NewServer(addr string, src Source, log logger.Logger) *Server {
	if log == nil {
		log = logger.Noop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := src.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. ErrServerClosed is swallowed so a clean
// shutdown does not log as a failure.
func (s *Server) Start() error {
	s.log.Info("observability endpoint listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
