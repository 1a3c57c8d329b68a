package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func TestInitWithoutEndpointIsNoOp(t *testing.T) {
	shutdown, err := Init("latestnote", "test", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init("", "test", "http://localhost:14268/api/traces")
	require.Error(t, err)
}

func TestNewResourceCarriesServiceAttributes(t *testing.T) {
	res := newResource("latestnote", "staging")
	service, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	require.Equal(t, "latestnote", service.AsString())
	environment, ok := res.Set().Value(semconv.DeploymentEnvironmentKey)
	require.True(t, ok)
	require.Equal(t, "staging", environment.AsString())
}
