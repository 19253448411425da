//go:build !windows

package lifecycle

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchSignal(t *testing.T) {
	ch := Watch(context.Background(), Options{Signals: []os.Signal{syscall.SIGUSR1}})

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	assert.Equal(t, ReasonSignal, receive(t, ch))
	assertClosed(t, ch)
}
