package evdev

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modalityd/internal/interaction"
)

const procListing = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=LNXPWRBN/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXPWRBN:00/input/input0
U: Uniq=
H: Handlers=kbd event0
B: PROP=0
B: EV=3
B: KEY=10000000000000 0

I: Bus=0011 Vendor=0001 Product=0001 Version=ab41
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
H: Handlers=sysrq kbd leds event1
B: PROP=0
B: EV=120013
B: KEY=1000000000007 ff9f207ac14057ff febeffdfffefffff fffffffffffffffe
B: MSC=10
B: LED=7

I: Bus=0003 Vendor=046d Product=c077 Version=0111
N: Name="Logitech USB Optical Mouse"
P: Phys=usb-0000:00:14.0-2/input0
H: Handlers=mouse0 event2
B: PROP=0
B: EV=17
B: KEY=1f0000 0 0 0 0
B: REL=1943
B: MSC=10

I: Bus=0018 Vendor=04f3 Product=2a1c Version=0100
N: Name="ELAN Touchscreen"
P: Phys=i2c-ELAN0001:00
H: Handlers=event3
B: PROP=2
B: EV=b
B: KEY=400 0 0 0 0 0
B: ABS=660800000000003

I: Bus=0003 Vendor=056a Product=0357 Version=0110
N: Name="Wacom Intuos Pro M Pen"
P: Phys=usb-0000:00:14.0-3/input0
H: Handlers=mouse1 event4
B: PROP=1
B: EV=1b
B: KEY=1c03 0 0 0 0 0
B: ABS=1000d000003
B: MSC=1

I: Bus=0018 Vendor=06cb Product=cd8b Version=0100
N: Name="SYNA3602:00 06CB:CD8B Touchpad"
P: Phys=i2c-SYNA3602:00
H: Handlers=mouse2 event5
B: PROP=5
B: EV=b
B: KEY=e520 10000 0 0 0 0
B: ABS=660800011000003
`

// =============================================================================
// Device listing tests
// =============================================================================

func parseFixture(t *testing.T) []Device {
	t.Helper()
	devices, err := ParseDevices(strings.NewReader(procListing), "/dev/input")
	require.NoError(t, err)
	return devices
}

func TestParseDevicesClassifies(t *testing.T) {
	devices := parseFixture(t)
	require.Len(t, devices, 6)

	got := make(map[string]Kind, len(devices))
	for _, d := range devices {
		got[d.Path] = d.Kind
	}
	assert.Equal(t, map[string]Kind{
		"/dev/input/event0": KindUnknown,
		"/dev/input/event1": KindKeyboard,
		"/dev/input/event2": KindMouse,
		"/dev/input/event3": KindTouchscreen,
		"/dev/input/event4": KindTablet,
		"/dev/input/event5": KindMouse,
	}, got)

	mouse := devices[2]
	assert.Equal(t, "Logitech USB Optical Mouse", mouse.Name)
	assert.Equal(t, uint16(0x046d), mouse.Vendor)
	assert.Equal(t, uint16(0xc077), mouse.Product)
	assert.Equal(t, uint16(0x0003), mouse.Bus)
	assert.Equal(t, "usb-0000:00:14.0-2/input0", mouse.Phys)
}

func TestParseDevicesSkipsEntriesWithoutEventHandler(t *testing.T) {
	listing := "I: Bus=0000\nN: Name=\"js\"\nH: Handlers=js0\nB: EV=3\n\n"
	devices, err := ParseDevices(strings.NewReader(listing), "")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestParseDevicesRejectsBadBitmap(t *testing.T) {
	listing := "N: Name=\"broken\"\nH: Handlers=event9\nB: KEY=zz\n"
	_, err := ParseDevices(strings.NewReader(listing), "")
	assert.ErrorContains(t, err, "broken")
}

func TestBitmapHas(t *testing.T) {
	b, err := parseBitmap("1 0")
	require.NoError(t, err)
	assert.True(t, b.has(64))
	assert.False(t, b.has(0))
	assert.False(t, b.has(1000))
}

func TestUsableAndFeatures(t *testing.T) {
	usable := Usable(parseFixture(t))
	assert.Len(t, usable, 5)

	f := Features(usable)
	assert.True(t, f.Touch)
	assert.True(t, f.PointerEvents)
	assert.False(t, f.LegacyPointerEvents)

	var keyboardsOnly []Device
	for _, d := range usable {
		if d.Kind == KindKeyboard {
			keyboardsOnly = append(keyboardsOnly, d)
		}
	}
	assert.Equal(t, interaction.Features{}, Features(keyboardsOnly))
}

func TestSourceDiscoverFiltersConfiguredDevices(t *testing.T) {
	proc := filepath.Join(t.TempDir(), "devices")
	require.NoError(t, os.WriteFile(proc, []byte(procListing), 0644))

	src := NewSource(Config{
		ProcDevices: proc,
		InputDir:    "/dev/input",
		Devices:     []string{"/dev/input/event1", "/dev/input/event3", "/dev/input/event0"},
	})
	devices, err := src.Discover()
	require.NoError(t, err)

	var paths []string
	for _, d := range devices {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{"/dev/input/event1", "/dev/input/event3"}, paths)
	assert.Equal(t, interaction.Features{Touch: true}, src.Features())
	assert.Empty(t, src.Devices())
}

func TestSourceDiscoverMissingListing(t *testing.T) {
	src := NewSource(Config{ProcDevices: filepath.Join(t.TempDir(), "missing")})
	_, err := src.Discover()
	assert.Error(t, err)
}

// =============================================================================
// Translation tests
// =============================================================================

func deviceOfKind(t *testing.T, kind Kind) Device {
	t.Helper()
	for _, d := range parseFixture(t) {
		if d.Kind == kind {
			return d
		}
	}
	t.Fatalf("no %s in fixture", kind)
	return Device{}
}

func TestTranslateKeyboard(t *testing.T) {
	tr := NewTranslator(deviceOfKind(t, KindKeyboard))
	at := time.Unix(1700000000, 0)

	ev, ok := tr.Translate(RawEvent{Time: at, Type: evKey, Code: keyA, Value: valuePress})
	require.True(t, ok)
	assert.Equal(t, interaction.Event{Name: interaction.EventKeyDown, Timestamp: at}, ev)

	_, ok = tr.Translate(RawEvent{Type: evKey, Code: keyA, Value: 2})
	assert.False(t, ok, "autorepeat is not a new interaction")
	_, ok = tr.Translate(RawEvent{Type: evKey, Code: keyA, Value: valueRelease})
	assert.False(t, ok)
	_, ok = tr.Translate(RawEvent{Type: 0x04, Code: 0x04, Value: 30})
	assert.False(t, ok, "MSC_SCAN is ignored")
}

func TestTranslateMouse(t *testing.T) {
	tr := NewTranslator(deviceOfKind(t, KindMouse))

	for _, code := range []uint16{btnLeft, btnRight, btnMiddle} {
		ev, ok := tr.Translate(RawEvent{Type: evKey, Code: code, Value: valuePress})
		require.True(t, ok)
		assert.Equal(t, interaction.EventMouseDown, ev.Name)
	}

	_, ok := tr.Translate(RawEvent{Type: evRel, Code: relX, Value: 5})
	assert.False(t, ok, "motion is not an interaction")
}

func TestTranslateTouchscreen(t *testing.T) {
	tr := NewTranslator(deviceOfKind(t, KindTouchscreen))

	ev, ok := tr.Translate(RawEvent{Type: evAbs, Code: absMTTrackingID, Value: 17})
	require.True(t, ok)
	assert.Equal(t, interaction.EventTouchStart, ev.Name)

	_, ok = tr.Translate(RawEvent{Type: evAbs, Code: absMTTrackingID, Value: -1})
	assert.False(t, ok, "contact end")
	_, ok = tr.Translate(RawEvent{Type: evKey, Code: btnTouch, Value: valuePress})
	assert.False(t, ok, "multitouch screens report contacts by tracking ID")

	single := NewTranslator(Device{Kind: KindTouchscreen})
	ev, ok = single.Translate(RawEvent{Type: evKey, Code: btnTouch, Value: valuePress})
	require.True(t, ok)
	assert.Equal(t, interaction.EventTouchStart, ev.Name)
}

func TestTranslateTabletPen(t *testing.T) {
	tr := NewTranslator(deviceOfKind(t, KindTablet))

	ev, ok := tr.Translate(RawEvent{Type: evKey, Code: btnTouch, Value: valuePress})
	require.True(t, ok)
	assert.Equal(t, interaction.EventPointerDown, ev.Name)

	typ, ok := interaction.Classify(ev)
	require.True(t, ok)
	assert.Equal(t, interaction.Type("pen"), typ)

	_, ok = tr.Translate(RawEvent{Type: evKey, Code: btnStylus, Value: valuePress})
	assert.False(t, ok, "barrel buttons are not contacts")
}

func TestTranslateTouchpadClicks(t *testing.T) {
	var pad Device
	for _, d := range parseFixture(t) {
		if strings.Contains(d.Name, "Touchpad") {
			pad = d
		}
	}
	tr := NewTranslator(pad)

	ev, ok := tr.Translate(RawEvent{Type: evKey, Code: btnLeft, Value: valuePress})
	require.True(t, ok)
	assert.Equal(t, interaction.EventMouseDown, ev.Name)

	_, ok = tr.Translate(RawEvent{Type: evAbs, Code: absMTTrackingID, Value: 3})
	assert.False(t, ok, "touchpad contacts drive a cursor, not touch")
}
