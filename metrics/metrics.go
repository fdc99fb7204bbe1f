// Package metrics serves the process's prometheus registry over HTTP.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = time.Second * 15
)

// ServeMetrics exposes /metrics and /ready on the given listener until ctx
// is done.
func ServeMetrics(ctx context.Context, listener net.Listener, log *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Stringer("addr", listener.Addr()).Msg("Serving metrics")
	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
