package metrics

import (
	"io"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/pkg/errors"
)

// Recorder counts what the pipeline does
type Recorder interface {
	// adds n to the counter of the given status (e.g. "new-scam", "flagged") and kind (e.g. "destination", "netcraft")
	Hit(status string, kind string, n int)
	// sets a point-in-time value, such as a queue length
	Gauge(name string, value float64)
	io.Closer
}

type Config struct {
	Influx     InfluxOpts     `yaml:"influxdb"`
	Prometheus PrometheusOpts `yaml:"prometheus"`
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Influx.Enabled {
		if c.Influx.ServUrl == "" {
			ce.Add("influxdb server url cannot be empty")
		}
		if c.Influx.Bucket == "" {
			ce.Add("influxdb bucket cannot be empty")
		}
	}
	if c.Prometheus.Enabled && c.Prometheus.Address == "" {
		ce.Add("prometheus address cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

// New returns a recorder feeding every enabled backend
func New(conf Config) (Recorder, error) {
	var recorders multi
	if conf.Influx.Enabled {
		recorders = append(recorders, NewInfluxRecorder(conf.Influx))
	}
	if conf.Prometheus.Enabled {
		p, err := NewPrometheusRecorder(conf.Prometheus)
		if err != nil {
			return nil, errors.Wrap(err, "create prometheus recorder")
		}
		recorders = append(recorders, p)
	}
	switch len(recorders) {
	case 0:
		return Disabled(), nil
	case 1:
		return recorders[0], nil
	}
	return recorders, nil
}

// recorder that is being used when metrics are disabled
type disabledRecorder struct{}

func (d *disabledRecorder) Hit(string, string, int) {}

func (d *disabledRecorder) Gauge(string, float64) {}

func (d *disabledRecorder) Close() error {
	return nil
}

func Disabled() Recorder {
	return &disabledRecorder{}
}

type multi []Recorder

func (m multi) Hit(status string, kind string, n int) {
	for _, r := range m {
		r.Hit(status, kind, n)
	}
}

func (m multi) Gauge(name string, value float64) {
	for _, r := range m {
		r.Gauge(name, value)
	}
}

func (m multi) Close() error {
	var first error
	for _, r := range m {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
