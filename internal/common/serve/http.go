package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// ServeHttp starts serving handler on port in the background and returns a function that shuts the server down.
func ServeHttp(port uint16, handler http.Handler) func() {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("http server didn't shut down cleanly")
		}
	}
}

// ServeMetrics exposes the default prometheus registry on /metrics.
func ServeMetrics(port uint16) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return ServeHttp(port, mux)
}
