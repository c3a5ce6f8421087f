package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFlushesAtBatchSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	var mu sync.Mutex
	var gotEvents []Event

	e := New()
	e.Register(Handler{
		Name:             "counter",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			atomic.AddInt32(&received, int32(len(events)))
			mu.Lock()
			gotEvents = append(gotEvents, events...)
			mu.Unlock()
			return nil
		},
	}, Config{MaxBufferSize: 10, BatchSize: 2, FlushInterval: time.Hour, BackpressureSoft: 0.8})

	e.Start(ctx)
	defer e.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, e.ProcessEvent(ctx, Event{ID: fmt.Sprintf("e%d", i), Op: "CREATE", Target: "orders"}))
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 4 }, time.Second, 10*time.Millisecond)
}

func TestHandlerOnlyReceivesSubscribedNamespaceEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	e := New()
	e.Register(Handler{
		Name:             "orders-only",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			atomic.AddInt32(&received, int32(len(events)))
			return nil
		},
	}, Config{MaxBufferSize: 10, BatchSize: 1, FlushInterval: time.Hour, BackpressureSoft: 0.8})
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Op: "CREATE", Target: "customers"}))
	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e2", Op: "CREATE", Target: "orders"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, time.Second, 10*time.Millisecond)
}

func TestProcessEventRejectedWhenNotRunning(t *testing.T) {
	e := New()
	e.Register(Handler{
		Name:             "h",
		SourceNamespaces: []string{"orders"},
		Process:          func(ctx context.Context, events []Event) error { return nil },
	}, Config{})

	err := e.ProcessEvent(context.Background(), Event{ID: "e1", Target: "orders"})
	assert.Error(t, err)
}

func TestStartStopIsIdempotentAndRestartable(t *testing.T) {
	ctx := context.Background()
	e := New()
	e.Register(Handler{
		Name:             "h",
		SourceNamespaces: []string{"orders"},
		Process:          func(ctx context.Context, events []Event) error { return nil },
	}, Config{FlushInterval: time.Hour})

	e.Start(ctx)
	e.Start(ctx) // no-op, must not panic or double-register
	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Target: "orders"}))

	e.Stop()
	e.Stop() // no-op

	err := e.ProcessEvent(ctx, Event{ID: "e2", Target: "orders"})
	assert.Error(t, err, "engine must reject events once stopped")

	e.Start(ctx)
	defer e.Stop()
	assert.NoError(t, e.ProcessEvent(ctx, Event{ID: "e3", Target: "orders"}), "engine must accept events again after restart")
}

func TestBackpressureWarningFiresAtSoftThreshold(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotWarning int32
	e := New()
	unsub := e.OnWarning(func(name string, level BackpressureLevel) {
		if level == BackpressureSoft {
			atomic.StoreInt32(&gotWarning, 1)
		}
	})
	defer unsub()

	e.Register(Handler{
		Name:             "slow",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}, Config{MaxBufferSize: 10, BatchSize: 1000, FlushInterval: time.Hour, BackpressureSoft: 0.5})
	e.Start(ctx)
	defer e.Stop()

	for i := 0; i < 6; i++ {
		_ = e.ProcessEvent(ctx, Event{ID: fmt.Sprintf("e%d", i), Target: "orders"})
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&gotWarning) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBackpressureHardBlocksUntilDrainAndEveryEventIsProcessed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed int32
	e := New()
	e.Register(Handler{
		Name:             "slow",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&processed, int32(len(events)))
			return nil
		},
	}, Config{MaxBufferSize: 10, BatchSize: 5, FlushInterval: 10 * time.Millisecond, BackpressureSoft: 0.8})
	e.Start(ctx)
	defer e.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.ProcessEvent(ctx, Event{ID: fmt.Sprintf("e%d", i), Target: "orders"})
		}(i)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing 20 events deadlocked under back-pressure")
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&processed) == 20 }, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, e.Stats().BackpressureEvents, int64(0))
}

func TestOnErrorFiresAfterRetriesExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotErr int32
	e := New()
	unsub := e.OnError(func(name string, err error) {
		atomic.StoreInt32(&gotErr, 1)
	})
	defer unsub()

	e.Register(Handler{
		Name:             "always-fails",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			return assertErr
		},
	}, Config{MaxBufferSize: 10, BatchSize: 1, FlushInterval: time.Hour, BackpressureSoft: 0.8, MaxAttempts: 2, RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Target: "orders"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&gotErr) == 1 }, 2*time.Second, 10*time.Millisecond)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.FailedBatches)
}

func TestFailureInOneHandlerDoesNotBlockAnother(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var okReceived int32
	e := New()
	e.Register(Handler{
		Name:             "broken",
		SourceNamespaces: []string{"orders"},
		Process:          func(ctx context.Context, events []Event) error { return assertErr },
	}, Config{BatchSize: 1, FlushInterval: time.Hour, MaxAttempts: 1, RetryBaseDelay: time.Millisecond})
	e.Register(Handler{
		Name:             "healthy",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			atomic.AddInt32(&okReceived, int32(len(events)))
			return nil
		},
	}, Config{BatchSize: 1, FlushInterval: time.Hour})
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Target: "orders"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&okReceived) == 1 }, time.Second, 10*time.Millisecond)
}

func TestGlobalStatsTrackEventsByOpAndNamespace(t *testing.T) {
	ctx := context.Background()
	e := New()
	e.Register(Handler{
		Name:             "h",
		SourceNamespaces: []string{"orders"},
		Process:          func(ctx context.Context, events []Event) error { return nil },
	}, Config{BatchSize: 1, FlushInterval: time.Hour})
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Op: "CREATE", Target: "orders"}))
	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e2", Op: "UPDATE", Target: "orders"}))

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.EventsReceived)
	assert.Equal(t, int64(1), stats.EventsByOp["CREATE"])
	assert.Equal(t, int64(1), stats.EventsByOp["UPDATE"])
	assert.Equal(t, int64(2), stats.EventsByNamespace["orders"])
	assert.Equal(t, int64(2), stats.EventsByMV["h"])
}

func TestResetStatsZeroesCountersButKeepsStartedAtWhileRunning(t *testing.T) {
	ctx := context.Background()
	e := New()
	e.Register(Handler{
		Name:             "h",
		SourceNamespaces: []string{"orders"},
		Process:          func(ctx context.Context, events []Event) error { return nil },
	}, Config{BatchSize: 1, FlushInterval: time.Hour})
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Target: "orders"}))
	before := e.Stats()
	require.Greater(t, before.StartedAt, int64(0))

	e.ResetStats()
	after := e.Stats()
	assert.Equal(t, int64(0), after.EventsReceived)
	assert.Equal(t, before.StartedAt, after.StartedAt)
}

func TestStopFlushesPendingEventsBeforeReturning(t *testing.T) {
	ctx := context.Background()
	var processed int32
	e := New()
	e.Register(Handler{
		Name:             "h",
		SourceNamespaces: []string{"orders"},
		Process: func(ctx context.Context, events []Event) error {
			atomic.AddInt32(&processed, int32(len(events)))
			return nil
		},
	}, Config{BatchSize: 1000, FlushInterval: time.Hour}) // never fires on its own
	e.Start(ctx)

	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e1", Target: "orders"}))
	require.NoError(t, e.ProcessEvent(ctx, Event{ID: "e2", Target: "orders"}))

	e.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(&processed), "Stop must flush buffered events before returning")
}

var assertErr = fmt.Errorf("boom")

func TestMemoryEventSourcePublishSubscribeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewMemoryEventSource(4)
	var got Event
	done := make(chan struct{})
	go func() {
		_ = src.Subscribe(ctx, func(e Event) {
			got = e
			close(done)
		})
	}()

	require.NoError(t, src.Publish(ctx, Event{ID: "x", Target: "orders"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	assert.Equal(t, "x", got.ID)
}

func TestDisposeRemovesListenersWithoutAffectingHandlers(t *testing.T) {
	e := New()
	e.Register(Handler{Name: "h", SourceNamespaces: []string{"orders"}, Process: func(ctx context.Context, events []Event) error { return nil }}, Config{})

	var fired int32
	e.OnError(func(string, error) { atomic.AddInt32(&fired, 1) })
	e.Dispose()

	_, ok := e.HandlerStats("h")
	assert.True(t, ok, "Dispose must not remove registered handlers, only listeners")
}
