package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"modalityd/internal/ipc"
)

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, &ipc.HistoryResponse{
		Interactions: []ipc.InteractionRecord{
			{Type: "touch", EventName: "touchstart", Timestamp: time.Now()},
			{Type: "keyboard", EventName: "keydown", Timestamp: time.Now().Add(-time.Second)},
		},
		Counts: map[string]int64{"touch": 1, "keyboard": 3},
	})

	out := buf.String()
	for _, want := range []string{"TYPE", "touchstart", "keydown", "This session: keyboard=3 touch=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintHistoryEmpty(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, &ipc.HistoryResponse{})
	if got := strings.TrimSpace(buf.String()); got != "No transitions journaled" {
		t.Errorf("got %q", got)
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &ipc.StatusResponse{
		Version:        "1.0.0",
		Tracking:       true,
		BufferWindowMs: 650,
		DefaultDelayMs: 15,
		Subscribed:     []string{"keydown", "mousedown", "touchstart"},
		Features:       ipc.FeatureStatus{Touch: true},
		Devices:        []ipc.DeviceInfo{{Path: "/dev/input/event4", Name: "ELAN Touchscreen", Kind: "touchscreen"}},
		Health:         "degraded",
		Components:     map[string]string{"dispatch": "healthy", "sources": "degraded"},
	})

	out := buf.String()
	for _, want := range []string{
		"Buffer window:  650ms",
		"Listening for:  keydown, mousedown, touchstart",
		"Touch:                 yes",
		"Disabled",
		"/dev/input/event4",
		"Health:         degraded",
		"  sources:      degraded",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
