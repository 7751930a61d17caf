package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(DefaultConfig(), nil)
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "stream.checkpoint")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	config := DefaultConfig()
	config.Enabled = true
	config.Exporter = "none"
	p, err := NewProvider(config, nil, WithSpanProcessor(recorder))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.Tracer().Start(context.Background(), "work.run")
	core, logs := observer.New(zap.InfoLevel)
	ContextLogger(ctx, zap.New(core)).Info("running")
	End(span, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "work.run", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, span.SpanContext().TraceID().String(), logs.All()[0].ContextMap()["trace_id"])
}

func TestInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = true
	config.Exporter = "jaeger"
	_, err := NewProvider(config, nil)
	assert.Error(t, err)

	config.Exporter = "stdout"
	config.SamplingRate = 2
	_, err = NewProvider(config, nil)
	assert.Error(t, err)
}
