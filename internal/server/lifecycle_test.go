package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingService struct {
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newBlockingService() *blockingService {
	return &blockingService{done: make(chan struct{})}
}

func (b *blockingService) Start() error {
	b.started.Store(true)
	<-b.done
	return nil
}

func (b *blockingService) Stop() {
	b.stopped.Store(true)
	b.once.Do(func() { close(b.done) })
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (o *orderRecorder) service(name string) *FuncService {
	return &FuncService{
		StartFn: func() error { return nil },
		StopFn: func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.order = append(o.order, name)
		},
	}
}

func TestLifecycle_StartsAndStopsServices(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))

	svc1 := newBlockingService()
	svc2 := newBlockingService()
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)
	assert.Equal(t, 2, lc.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.True(t, svc1.stopped.Load())
	assert.True(t, svc2.stopped.Load())
}

func TestLifecycle_StopsInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	rec := &orderRecorder{}
	lc.Add("sessions", rec.service("sessions"))
	lc.Add("matchmaking", rec.service("matchmaking"))
	lc.Add("api", rec.service("api"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, lc.Run(ctx))

	assert.Equal(t, []string{"api", "matchmaking", "sessions"}, rec.order)
}

func TestLifecycle_ReturnsServiceError(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t))
	healthy := newBlockingService()
	boom := errors.New("bind failed")
	lc.Add("healthy", healthy)
	lc.Add("broken", &FuncService{
		StartFn: func() error { return boom },
		StopFn:  func() {},
	})

	done := make(chan error, 1)
	go func() { done <- lc.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "service broken")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not stop after a service failure")
	}
	assert.True(t, healthy.stopped.Load())
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}
