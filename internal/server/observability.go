// Observability middleware and HTTP server for metrics and profiling
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/nainya/issuesearch/internal/logger"
	"github.com/nainya/issuesearch/internal/metrics"
)

// ObservabilityInterceptor times every unary call, records it under its
// status code and logs it. m may be nil.
func ObservabilityInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m != nil {
			m.GrpcRequestsInFlight.Inc()
			defer m.GrpcRequestsInFlight.Dec()
		}
		began := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(began)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), elapsed)
		log.LogGrpcRequest(info.FullMethod, elapsed, err)
		return resp, err
	}
}

// ObservabilityServer serves /metrics, /health, /ready and pprof
type ObservabilityServer struct {
	http *http.Server
	log  *logger.Logger
}

// NewObservabilityServer builds the HTTP side of the service. /ready
// answers 503 until ready reports true; a nil ready is always ready.
func NewObservabilityServer(port int, gatherer prometheus.Gatherer, ready func() bool, log *logger.Logger) *ObservabilityServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logger.Nop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, `{"status":"healthy","service":"issuesearch"}`)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeStatus(w, http.StatusServiceUnavailable, `{"status":"indexing"}`)
			return
		}
		writeStatus(w, http.StatusOK, `{"status":"ready"}`)
	})
	mountPprof(mux)

	return &ObservabilityServer{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc("/debug/pprof/"+name, h)
	}
}

// Handler exposes the endpoint mux
func (o *ObservabilityServer) Handler() http.Handler {
	return o.http.Handler
}

// Start serves until Shutdown is called
func (o *ObservabilityServer) Start() error {
	o.log.Info("observability server listening").
		Str("addr", o.http.Addr).
		Send()
	err := o.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("observability server: %w", err)
}

// Shutdown drains in-flight requests until ctx expires
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("observability server stopping").Send()
	return o.http.Shutdown(ctx)
}
