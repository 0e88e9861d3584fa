package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer("promptlab-test", WithWriter(&buf), WithVersion("1.2.3"), WithCompactOutput())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "optimization.run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "optimization.run")
	assert.Contains(t, out, "promptlab-test")
	assert.Contains(t, out, "1.2.3")
}

func TestInitTracer_ZeroRatioDropsRootSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer("promptlab-test", WithWriter(&buf), WithSampleRatio(0))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Empty(t, buf.String())
}
