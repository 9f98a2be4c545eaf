package server

import (
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHTTP(t *testing.T, svc *HTTPService) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.Start() }()
	select {
	case <-svc.Ready():
	case err := <-done:
		t.Fatalf("service exited before binding: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not bind in time")
	}
	return done
}

func TestHTTPService_ServesAndStops(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	svc := NewHTTPService("test", "127.0.0.1:0", handler, zaptest.NewLogger(t))
	var hookRan atomic.Bool
	svc.OnStop(func() { hookRan.Store(true) })

	assert.Empty(t, svc.Addr())
	done := startHTTP(t, svc)
	require.NotEmpty(t, svc.Addr())

	resp, err := http.Get("http://" + svc.Addr() + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	svc.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.True(t, hookRan.Load())

	// A second Stop is a no-op.
	svc.Stop()
}

func TestHTTPService_StopBeforeStart(t *testing.T) {
	svc := NewHTTPService("test", "127.0.0.1:0", http.NotFoundHandler(), zaptest.NewLogger(t))
	svc.Stop()
	assert.NoError(t, svc.Start())
	assert.Empty(t, svc.Addr())
}

func TestHTTPService_ListenError(t *testing.T) {
	first := NewHTTPService("first", "127.0.0.1:0", http.NotFoundHandler(), zaptest.NewLogger(t))
	startHTTP(t, first)
	t.Cleanup(first.Stop)

	second := NewHTTPService("second", first.Addr(), http.NotFoundHandler(), zaptest.NewLogger(t))
	err := second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}
