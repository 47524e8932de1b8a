package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "munin"

var (
	acceptedDesc = prometheus.NewDesc(namespace+"_connections_accepted_total",
		"Inbound connections accepted by the transport.", nil, nil)
	rejectedDesc = prometheus.NewDesc(namespace+"_connections_rejected_total",
		"Connections closed before dispatch, by close reason.", []string{"reason"}, nil)
	decodeDesc = prometheus.NewDesc(namespace+"_decode_failures_total",
		"Requests that could not be decoded.", nil, nil)
	dispatchedDesc = prometheus.NewDesc(namespace+"_requests_dispatched_total",
		"Requests handed to an action handler, by kind.", []string{"kind"}, nil)
	handlerErrDesc = prometheus.NewDesc(namespace+"_handler_errors_total",
		"Actions that answered with a failed status.", nil, nil)
	timeoutDesc = prometheus.NewDesc(namespace+"_timeouts_total",
		"Connections closed because a deadline expired.", nil, nil)
	inFlightDesc = prometheus.NewDesc(namespace+"_connections_in_flight",
		"Connections currently being handled.", nil, nil)
)

// Collector exposes a Metrics value to Prometheus. Values are read at
// scrape time so the hot path only touches atomics.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- acceptedDesc
	ch <- rejectedDesc
	ch <- decodeDesc
	ch <- dispatchedDesc
	ch <- handlerErrDesc
	ch <- timeoutDesc
	ch <- inFlightDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	ch <- prometheus.MustNewConstMetric(acceptedDesc, prometheus.CounterValue, float64(snap.Conns.Accepted))
	ch <- prometheus.MustNewConstMetric(decodeDesc, prometheus.CounterValue, float64(snap.Conns.DecodeFailures))
	ch <- prometheus.MustNewConstMetric(handlerErrDesc, prometheus.CounterValue, float64(snap.Conns.HandlerErrors))
	ch <- prometheus.MustNewConstMetric(timeoutDesc, prometheus.CounterValue, float64(snap.Conns.Timeouts))
	ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(snap.Conns.InFlight))
	for reason, n := range snap.Rejected {
		ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(n), reason)
	}
	for kind, n := range snap.Dispatched {
		ch <- prometheus.MustNewConstMetric(dispatchedDesc, prometheus.CounterValue, float64(n), kind)
	}
}

// Registry returns a registry holding m plus the standard Go and process
// collectors.
func Registry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Serve exposes /metrics on addr until ctx is done. ready, if non-nil,
// receives the bound address once listening.
func Serve(ctx context.Context, addr string, m *Metrics, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry(m), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if ready != nil {
		ready <- ln.Addr().String()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
