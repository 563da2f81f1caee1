package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesListener(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	received := make(chan Notification, 1)
	listener, err := NewListener(ListenerConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: 50 * time.Millisecond,
	}, func(n Notification) {
		select {
		case received <- n:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.conns) == 1
	}, 2*time.Second, 10*time.Millisecond, "listener never connected")

	sent := Notification{Endpoint: "hub", EntityType: "patient", At: time.Now().UTC()}
	hub.Broadcast(sent)

	select {
	case got := <-received:
		assert.Equal(t, "hub", got.Endpoint)
		assert.Equal(t, "patient", got.EntityType)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

// TestConcurrentBroadcasts exercises many goroutines broadcasting at once.
// Writes to a single connection must be serialized; with a listener attached
// this races the per-connection writer lock.
func TestConcurrentBroadcasts(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	var count atomic.Int64
	listener, err := NewListener(ListenerConfig{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, func(Notification) { count.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	const goroutines, perGoroutine = 10, 20
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				hub.Broadcast(Notification{Endpoint: "hub", At: time.Now().UTC()})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == goroutines*perGoroutine
	}, 2*time.Second, 10*time.Millisecond, "dropped notifications under concurrent broadcast")
}

func TestListenerConfigValidation(t *testing.T) {
	_, err := NewListener(ListenerConfig{}, func(Notification) {})
	assert.Error(t, err)

	_, err = NewListener(ListenerConfig{URL: "ws://example.org/notify"}, nil)
	assert.Error(t, err)
}

func TestHubDropsClosedConnections(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	received := make(chan Notification, 1)
	listener, err := NewListener(ListenerConfig{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}, func(n Notification) { received <- n })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	// The hub notices the peer going away and forgets the connection.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.conns) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
}
