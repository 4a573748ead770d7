// Package telemetry sets up the OpenTelemetry metrics pipeline.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"ctf-scoring/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// Setup builds a MeterProvider and installs it globally. Metrics are pushed
// over OTLP/HTTP when cfg.OTLPEndpoint is set; extra readers are attached
// as well. The caller owns Shutdown.
func Setup(ctx context.Context, cfg config.Telemetry, l *zap.Logger, extra ...sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	if l == nil {
		l = zap.NewNop()
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		expOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}

		interval := time.Duration(cfg.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
		l.Info("exporting metrics", zap.String("endpoint", cfg.OTLPEndpoint), zap.Duration("interval", interval))
	} else {
		l.Debug("no otlp endpoint configured, metrics stay in process")
	}

	for _, r := range extra {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, nil
}
