package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Uptime tracks process uptime.
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)

	// MemoryUsage tracks runtime memory usage.
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)
)

// Exporter exposes metrics via HTTP.
type Exporter struct {
	startTime time.Time
	server    *http.Server
	done      chan struct{}
}

// NewExporter creates a metrics exporter on addr.
func NewExporter(addr string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		startTime: time.Now(),
		server:    &http.Server{Addr: addr, Handler: mux},
		done:      make(chan struct{}),
	}
}

// Start serves /metrics and refreshes the runtime gauges every 15s.
func (e *Exporter) Start() error {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.collect()
			case <-e.done:
				return
			}
		}
	}()

	err := e.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the exporter down.
func (e *Exporter) Stop(ctx context.Context) error {
	close(e.done)
	return e.server.Shutdown(ctx)
}

func (e *Exporter) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
	Uptime.Set(time.Since(e.startTime).Seconds())
}
