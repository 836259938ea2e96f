package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nengo/nengo-gui/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type collector struct {
	mu    sync.Mutex
	paths map[string]int
	auth  []string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.auth = append(c.auth, r.Header.Get("Authorization"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) hits(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestNewExportsTracesAndLogs(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	col := &collector{paths: make(map[string]int)}
	srv := httptest.NewServer(col)
	defer srv.Close()

	log, shutdown, err := New(context.Background(), Config{
		Endpoint:    srv.URL,
		Token:       "tok",
		ServiceName: "nengo-test",
		Level:       logger.LevelInfo,
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "work")
	span.End()
	log.Info("hello")

	shutdown()
	assert.GreaterOrEqual(t, col.hits("/v1/traces"), 1)
	assert.GreaterOrEqual(t, col.hits("/v1/logs"), 1)
	col.mu.Lock()
	defer col.mu.Unlock()
	for _, auth := range col.auth {
		assert.Equal(t, "Bearer tok", auth)
	}
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"://bad", "ftp://collector:21"} {
		log, shutdown, err := New(context.Background(), Config{Endpoint: endpoint, ServiceName: "x"})
		assert.Error(t, err, endpoint)
		assert.Nil(t, log)
		assert.Nil(t, shutdown)
	}
}

func TestEndpoints(t *testing.T) {
	traces, logs, insecure, err := Config{Endpoint: "https://collector.example.com:4318/ignored"}.endpoints()
	require.NoError(t, err)
	assert.Equal(t, "https://collector.example.com:4318/v1/traces", traces)
	assert.Equal(t, "https://collector.example.com:4318/v1/logs", logs)
	assert.False(t, insecure)
}
