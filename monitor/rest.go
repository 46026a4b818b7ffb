package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const timeout = 15

// Router returns the ops router: /health and, when gatherer is not nil, /metrics.
func (m *Monitor) Router(gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", m.HealthHandler).Methods("GET") // monitor health

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET") // Prometheus
	}

	return r
}

// Serve starts the ops http server on addr and shuts it down when ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) {
	s := &http.Server{
		Handler:      m.Router(gatherer),
		Addr:         addr,
		WriteTimeout: timeout * time.Second,
		ReadTimeout:  timeout * time.Second,
	}

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
		defer cancel()

		if err := s.Shutdown(sctx); err != nil {
			m.log.Error("Error in http server shutdown", zap.Error(err))
		}
	}()

	go func() {
		m.log.Info("Serving ops API", zap.String("addr", addr))

		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("Ops API server stopped", zap.Error(err))
		}
	}()
}
