package gemhunt_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/gemhunt/internal/game/gemhunt"
)

func TestTickManager_StartsAndStops(t *testing.T) {
	tm := gemhunt.NewTickManager(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)
	time.Sleep(120 * time.Millisecond)
	cancel()
}

func TestTickManager_CallbackInvoked(t *testing.T) {
	tm := gemhunt.NewTickManager(20 * time.Millisecond)
	called := make(chan struct{}, 1)
	tm.RegisterTick(1, func() {
		select {
		case called <- struct{}{}:
		default:
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tm.Start(ctx)
	select {
	case <-called:
	case <-ctx.Done():
		t.Fatal("tick callback not invoked within timeout")
	}
}

func TestTickManager_UnregisterStopsCallback(t *testing.T) {
	tm := gemhunt.NewTickManager(20 * time.Millisecond)
	var count atomic.Int64
	tm.RegisterTick(1, func() { count.Add(1) })
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tm.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	tm.Unregister(1)
	after := count.Load()
	time.Sleep(60 * time.Millisecond)
	if count.Load() > after+1 {
		t.Fatalf("tick continued after unregister: before=%d after=%d", after, count.Load())
	}
}

func TestTickManager_CallbackMayUnregisterItself(t *testing.T) {
	tm := gemhunt.NewTickManager(10 * time.Millisecond)
	done := make(chan struct{})
	tm.RegisterTick(5, func() {
		tm.Unregister(5)
		close(done)
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tm.Start(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("callback never ran")
	}
	assert.Equal(t, 0, tm.Len())
}

func TestTickManager_Interval(t *testing.T) {
	tm := gemhunt.NewTickManager(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, tm.Interval())
}

func TestNewTickManager_PanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { gemhunt.NewTickManager(0) })
}

func TestCryptoSource_InRange(t *testing.T) {
	src := gemhunt.NewCryptoSource()
	for i := 0; i < 200; i++ {
		v := src.Intn(7)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 7)
	}
}
