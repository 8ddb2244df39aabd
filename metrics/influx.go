package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

type InfluxOpts struct {
	Enabled      bool   `yaml:"enabled"`
	ServUrl      string `yaml:"server-url"`
	AuthToken    string `yaml:"auth-token"`
	Organisation string `yaml:"organisation"`
	Bucket       string `yaml:"bucket"`
	Interval     int    `yaml:"interval"` // in seconds
}

type hitTuple struct {
	status string
	kind   string
}

// aggregates in memory and writes to influxdb at a fixed interval
type influxRecorder struct {
	client influxdb2.Client
	api    influxapi.WriteAPI
	done   chan bool
	ticker *time.Ticker
	hits   map[hitTuple]int
	gauges map[string]float64
	m      *sync.Mutex
}

func (ir *influxRecorder) Hit(status string, kind string, n int) {
	ir.m.Lock()
	defer ir.m.Unlock()

	ir.hits[hitTuple{status, kind}] += n
}

func (ir *influxRecorder) Gauge(name string, value float64) {
	ir.m.Lock()
	defer ir.m.Unlock()

	ir.gauges[name] = value
}

func (ir *influxRecorder) Close() error {
	ir.done <- true
	ir.ticker.Stop()

	// whatever was recorded since the last tick
	ir.write()
	ir.client.Close()

	return nil
}

func (ir *influxRecorder) write() {
	ir.m.Lock()
	defer ir.m.Unlock()

	for tuple, count := range ir.hits {
		tags := map[string]string{
			"status": tuple.status,
			"type":   tuple.kind,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		p := influxdb2.NewPoint("hits", tags, fields, time.Now())
		ir.api.WritePoint(p)
	}

	for name, value := range ir.gauges {
		tags := map[string]string{
			"name": name,
		}
		fields := map[string]interface{}{
			"value": value,
		}
		p := influxdb2.NewPoint("gauges", tags, fields, time.Now())
		ir.api.WritePoint(p)
	}

	ir.hits = map[hitTuple]int{}
	ir.gauges = map[string]float64{}
}

func NewInfluxRecorder(opts InfluxOpts) Recorder {
	client := influxdb2.NewClient(opts.ServUrl, opts.AuthToken)
	api := client.WriteAPI(opts.Organisation, opts.Bucket)

	return newInfluxRecorderWithClient(client, api, opts.Interval)
}

func newInfluxRecorderWithClient(client influxdb2.Client, api influxapi.WriteAPI, interval int) *influxRecorder {
	if interval <= 0 {
		interval = 10
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	done := make(chan bool)

	ir := influxRecorder{
		client: client,
		api:    api,
		done:   done,
		hits:   map[hitTuple]int{},
		gauges: map[string]float64{},
		ticker: ticker,
		m:      &sync.Mutex{},
	}

	go func() {
		// write to influxdb at interval
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ir.write()
			}
		}
	}()

	return &ir
}
