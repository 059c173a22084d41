package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Swind/go-task-manager/core"
	tmprom "github.com/Swind/go-task-manager/observability/prometheus"
)

// startTracing exports every finished span to w.
func startTracing(w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return tp.Tracer("taskmgr"), tp.Shutdown, nil
}

// metricsServer serves the batch's collectors on /metrics.
type metricsServer struct {
	exporter *tmprom.MetricsExporter
	poller   *tmprom.SnapshotPoller
	srv      *http.Server
	ln       net.Listener
}

func startMetrics(addr string, logger core.Logger) (*metricsServer, error) {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := tmprom.NewMetricsExporter("taskmgr", reg, tmprom.ExporterOptions{})
	if err != nil {
		return nil, err
	}
	poller, err := tmprom.NewSnapshotPoller("taskmgr", reg, time.Second)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", core.F("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", core.F("addr", ln.Addr().String()))

	return &metricsServer{exporter: exporter, poller: poller, srv: srv, ln: ln}, nil
}

func (m *metricsServer) Addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	m.poller.Stop()
	return m.srv.Shutdown(ctx)
}
