package setup

import (
	"context"

	"github.com/robalyx/botfleet/internal/setup/config"
	"github.com/robalyx/botfleet/internal/setup/telemetry"
	"github.com/uptrace/uptrace-go/uptrace"
)

// configureTracing installs the uptrace exporter as the global tracer
// provider. Returns false when no DSN is configured.
func configureTracing(cfg *config.Uptrace, serviceType telemetry.ServiceType) bool {
	if cfg.DSN == "" {
		return false
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "botfleet-" + serviceType.String()
	}

	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(cfg.DSN),
		uptrace.WithServiceName(serviceName),
		uptrace.WithServiceVersion(config.RepositoryVersion),
	)

	return true
}

// shutdownTracing flushes and stops the exporter.
func shutdownTracing(ctx context.Context) {
	_ = uptrace.Shutdown(ctx)
}
