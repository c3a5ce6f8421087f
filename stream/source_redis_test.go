package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisEventSourcePublishSubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := NewRedisEventSource(ctx, RedisConfig{Addr: mr.Addr(), BlockFor: 200 * time.Millisecond})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Publish(ctx, Event{ID: "e1", Target: "orders"}))

	done := make(chan Event, 1)
	subCtx, subCancel := context.WithCancel(ctx)
	go func() {
		_ = src.Subscribe(subCtx, func(e Event) {
			done <- e
			subCancel()
		})
	}()

	select {
	case e := <-done:
		require.Equal(t, "e1", e.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for redis stream delivery")
	}
}
