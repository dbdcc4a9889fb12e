package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken,=nokey, tenant=dash ")
	require.Equal(t, map[string]string{"api-key": "secret", "tenant": "dash"}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=b")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := FromEnv("dashboardd", "test")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.Equal(t, map[string]string{"a": "b"}, cfg.Headers)
	require.False(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "dashboardd", Traces: true})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), Config{})
	require.Error(t, err)
	require.NoError(t, shutdown(context.Background()))
}
