package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Reason) Reason {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "channel closed without a reason")
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no teardown reason delivered")
		return ""
	}
}

func assertClosed(t *testing.T, ch <-chan Reason) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel delivered a second reason")
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWatchContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := Watch(ctx, Options{})

	cancel()
	assert.Equal(t, ReasonContext, receive(t, ch))
	assertClosed(t, ch)
}

func TestWatchTriggerDeliversOnce(t *testing.T) {
	trig := make(chan Reason, 2)
	other := make(chan Reason)
	ch := Watch(context.Background(), Options{Triggers: []<-chan Reason{trig, other}})

	trig <- ReasonLock
	trig <- ReasonShutdown

	assert.Equal(t, ReasonLock, receive(t, ch))
	assertClosed(t, ch)
}

func TestWatchIgnoresClosedTrigger(t *testing.T) {
	trig := make(chan Reason)
	close(trig)

	ctx, cancel := context.WithCancel(context.Background())
	ch := Watch(ctx, Options{Triggers: []<-chan Reason{trig}})

	select {
	case r := <-ch:
		t.Fatalf("unexpected reason %q", r)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Equal(t, ReasonContext, receive(t, ch))
}
