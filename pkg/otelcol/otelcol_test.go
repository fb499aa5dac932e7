package otelcol

import (
	"context"
	"testing"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestTracerProviderWithoutExporter(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	cfg := &config.Config{AppName: "troodie-payments"}

	tp, err := NewTracerProvider(lc, cfg, NewResource(cfg))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	require.True(t, span.SpanContext().TraceID().IsValid())
	span.End()

	lc.RequireStart().RequireStop()
}

func TestSpanExporterProtocols(t *testing.T) {
	for _, protocol := range []string{"", "grpc", "http"} {
		cfg := &config.Config{}
		cfg.Otel.Addr = "127.0.0.1:4317"
		cfg.Otel.Protocol = protocol

		exp, err := newSpanExporter(cfg)
		require.NoError(t, err, protocol)
		require.NoError(t, exp.Shutdown(context.Background()))
	}

	cfg := &config.Config{}
	cfg.Otel.Addr = "127.0.0.1:4317"
	cfg.Otel.Protocol = "zipkin"
	_, err := newSpanExporter(cfg)
	require.ErrorContains(t, err, "unsupported otel protocol")

	_, err = NewTracerProvider(fxtest.NewLifecycle(t), cfg, NewResource(cfg))
	require.Error(t, err)
}
