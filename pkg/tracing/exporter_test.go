package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporter_DisabledWithoutEndpoint(t *testing.T) {
	exp, err := NewExporter(context.Background(), ExporterConfig{})
	require.NoError(t, err)
	assert.Nil(t, exp)
}

func TestNewExporter_RejectsUnknownProtocol(t *testing.T) {
	_, err := NewExporter(context.Background(), ExporterConfig{Endpoint: "localhost:4317", Protocol: "thrift"})
	assert.ErrorContains(t, err, "thrift")
}

func TestNewExporter_HTTP(t *testing.T) {
	exp, err := NewExporter(context.Background(), ExporterConfig{Endpoint: "localhost:4318", Protocol: "http", Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.NoError(t, exp.Shutdown(context.Background()))
}

func TestSetup_StartSpan(t *testing.T) {
	provider := Setup("reconciler-test", 1, nil)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "tracing.Test")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.NotNil(t, ctx)
}
