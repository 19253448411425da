//go:build linux

package evdev

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeEvent(sec, usec int64, typ, code uint16, value int32) []byte {
	b := make([]byte, eventSize)
	if timevalSize == 16 {
		binary.NativeEndian.PutUint64(b[0:8], uint64(sec))
		binary.NativeEndian.PutUint64(b[8:16], uint64(usec))
	} else {
		binary.NativeEndian.PutUint32(b[0:4], uint32(sec))
		binary.NativeEndian.PutUint32(b[4:8], uint32(usec))
	}
	rest := b[timevalSize:]
	binary.NativeEndian.PutUint16(rest[0:2], typ)
	binary.NativeEndian.PutUint16(rest[2:4], code)
	binary.NativeEndian.PutUint32(rest[4:8], uint32(value))
	return b
}

func TestDecodeEvent(t *testing.T) {
	raw := decodeEvent(encodeEvent(1700000000, 250000, evAbs, absMTTrackingID, -1))

	assert.True(t, raw.Time.Equal(time.Unix(1700000000, 250000000)))
	assert.Equal(t, uint16(evAbs), raw.Type)
	assert.Equal(t, uint16(absMTTrackingID), raw.Code)
	assert.Equal(t, int32(-1), raw.Value)
}

func TestRunWithoutDevices(t *testing.T) {
	proc := filepath.Join(t.TempDir(), "devices")
	require.NoError(t, os.WriteFile(proc, nil, 0644))

	src := NewSource(Config{ProcDevices: proc})
	err := src.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoDevices))
}

func TestRunHotplugStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	proc := filepath.Join(dir, "devices")
	require.NoError(t, os.WriteFile(proc, nil, 0644))

	src := NewSource(Config{ProcDevices: proc, InputDir: dir, Hotplug: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, nil) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
