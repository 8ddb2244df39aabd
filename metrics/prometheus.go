package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type PrometheusOpts struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090", metrics are served on /metrics
}

type prometheusRecorder struct {
	registry *prometheus.Registry
	hits     *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
	server   *http.Server
}

func (pr *prometheusRecorder) Hit(status string, kind string, n int) {
	pr.hits.WithLabelValues(status, kind).Add(float64(n))
}

func (pr *prometheusRecorder) Gauge(name string, value float64) {
	pr.gauges.WithLabelValues(name).Set(value)
}

func (pr *prometheusRecorder) Close() error {
	if pr.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return pr.server.Shutdown(ctx)
}

func newPrometheusRecorder() (*prometheusRecorder, error) {
	// custom registry, the default one carries process collectors of whoever imports us
	registry := prometheus.NewRegistry()
	pr := &prometheusRecorder{
		registry: registry,
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloakwatch_hits_total",
				Help: "Pipeline events by status and type",
			},
			[]string{"status", "type"},
		),
		gauges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cloakwatch_gauge",
				Help: "Point-in-time pipeline values",
			},
			[]string{"name"},
		),
	}
	for _, c := range []prometheus.Collector{pr.hits, pr.gauges} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return pr, nil
}

// NewPrometheusRecorder serves the metrics on the configured address
func NewPrometheusRecorder(opts PrometheusOpts) (Recorder, error) {
	pr, err := newPrometheusRecorder()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(pr.registry, promhttp.HandlerOpts{}))
	pr.server = &http.Server{
		Addr:         opts.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", opts.Address)
	}
	go func() {
		if err := pr.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("metrics server stopped: %s", err)
		}
	}()

	return pr, nil
}
