package setup

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robalyx/botfleet/internal/metrics"
	"go.uber.org/zap"
)

// metricsServer represents the prometheus HTTP server.
type metricsServer struct {
	srv      *http.Server
	listener net.Listener
}

// startMetricsServer initializes and starts the metrics HTTP server.
func startMetricsServer(port int, m *metrics.Metrics, logger *zap.Logger) (*metricsServer, error) {
	addr := fmt.Sprintf("localhost:%d", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	// Start server in background
	go func() {
		logger.Info("Starting metrics server", zap.String("address", listener.Addr().String()))

		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return &metricsServer{
		srv:      srv,
		listener: listener,
	}, nil
}
