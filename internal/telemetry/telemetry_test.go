package telemetry_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/shaharia-lab/notiq/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetup_ServesPrometheusMetrics(t *testing.T) {
	tel, err := telemetry.Setup(t.Context(), telemetry.Config{
		MetricsAddr: "127.0.0.1:0",
		Logger:      discardLogger(),
	})
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	require.NotEmpty(t, tel.MetricsAddr())
	assert.Nil(t, tel.LogHandler)

	// Instruments created through the otel globals must land in the
	// exposition.
	counter, err := otel.Meter("telemetry_test").Int64Counter("notiq.test.requests")
	require.NoError(t, err)
	counter.Add(t.Context(), 7)

	resp, err := http.Get("http://" + tel.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "target_info")
	assert.Contains(t, string(body), "notiq_test_requests")
}

func TestSetup_OTLPEnablesLogBridge(t *testing.T) {
	// The OTLP exporters connect lazily, so setup succeeds without a
	// collector listening on the endpoint.
	tel, err := telemetry.Setup(t.Context(), telemetry.Config{
		OTLPEndpoint: "localhost:4317",
		Logger:       discardLogger(),
	})
	require.NoError(t, err)

	assert.NotNil(t, tel.LogHandler)
	assert.Empty(t, tel.MetricsAddr())

	// Shutdown flushes into the void; only the deadline bounds it here.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestSetup_RejectsUnusableMetricsAddr(t *testing.T) {
	_, err := telemetry.Setup(t.Context(), telemetry.Config{
		MetricsAddr: "127.0.0.1:999999",
		Logger:      discardLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics listener")
}
