package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_CreatesServerWithAddress(t *testing.T) {
	server := NewServer(":9599")

	assert.NotNil(t, server)
	assert.NotNil(t, server.server)
	assert.Equal(t, ":9599", server.server.Addr)
}

func TestServer_StartAndShutdown(t *testing.T) {
	server := NewServer(":9598")

	server.Start()

	// Give the server a moment to start
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, server.Err())

	resp, err := http.Get("http://localhost:9598/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))

	time.Sleep(100 * time.Millisecond)
	_, err = http.Get("http://localhost:9598/metrics")
	assert.Error(t, err)
}

func TestServer_ExposesMigrationMetrics(t *testing.T) {
	server := NewServer(":9597")
	server.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	time.Sleep(100 * time.Millisecond)

	NewCollector("up").MigrationStarted()

	resp, err := http.Get("http://localhost:9597/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "svip_migrations_started_total"))
}
