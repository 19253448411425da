// Package evdev reads Linux input devices and translates their raw events
// into the DOM-style events the interaction tracker understands.
//
// Only the fact that a key or button went down is forwarded. Key codes
// never leave this package.
package evdev

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"modalityd/internal/interaction"
)

// DefaultProcDevices is the kernel's input device listing.
const DefaultProcDevices = "/proc/bus/input/devices"

// DefaultInputDir holds the evdev character devices.
const DefaultInputDir = "/dev/input"

// Kind is the class of an input device.
type Kind int

const (
	KindUnknown Kind = iota
	KindKeyboard
	KindMouse
	KindTouchscreen
	KindTablet
)

func (k Kind) String() string {
	switch k {
	case KindKeyboard:
		return "keyboard"
	case KindMouse:
		return "mouse"
	case KindTouchscreen:
		return "touchscreen"
	case KindTablet:
		return "tablet"
	default:
		return "unknown"
	}
}

// Device is one entry of the kernel input device listing.
type Device struct {
	Name    string
	Path    string // evdev node, e.g. /dev/input/event3
	Phys    string
	Bus     uint16
	Vendor  uint16
	Product uint16
	Kind    Kind

	ev   bitmap
	key  bitmap
	rel  bitmap
	abs  bitmap
	prop bitmap
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Path, d.Name, d.Kind)
}

// Event types, codes and properties from linux/input-event-codes.h.
const (
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03

	relX = 0x00
	relY = 0x01

	absX            = 0x00
	absY            = 0x01
	absMTPositionX  = 0x35
	absMTTrackingID = 0x39

	keyEnter = 28
	keyQ     = 16
	keyA     = 30
	keySpace = 57

	btnMisc    = 0x100
	btnLeft    = 0x110
	btnRight   = 0x111
	btnMiddle  = 0x112
	btnTask    = 0x117
	btnToolPen = 0x140
	btnTouch   = 0x14a
	btnStylus  = 0x14b
	keyOK      = 0x160

	propPointer = 0x00
	propDirect  = 0x01
)

// bitmap is a capability bitmap as printed in /proc/bus/input/devices:
// space separated hex words, most significant first.
type bitmap []uint64

func parseBitmap(s string) (bitmap, error) {
	fields := strings.Fields(s)
	b := make(bitmap, len(fields))
	for i, f := range fields {
		w, err := strconv.ParseUint(f, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad bitmap word %q: %w", f, err)
		}
		b[len(fields)-1-i] = w
	}
	return b, nil
}

// has reports whether bit n is set. Words are kernel longs.
func (b bitmap) has(n int) bool {
	word := n / bits.UintSize
	if word >= len(b) {
		return false
	}
	return b[word]&(1<<(uint(n)%bits.UintSize)) != 0
}

func classify(d *Device) Kind {
	hasAbsXY := d.ev.has(evAbs) && d.abs.has(absX) && d.abs.has(absY)
	hasMT := d.ev.has(evAbs) && d.abs.has(absMTPositionX)

	switch {
	case hasAbsXY && (d.key.has(btnToolPen) || d.key.has(btnStylus)):
		return KindTablet
	case d.prop.has(propDirect) && (d.key.has(btnTouch) || hasMT):
		return KindTouchscreen
	case d.ev.has(evRel) && d.rel.has(relX) && d.rel.has(relY) && d.key.has(btnLeft):
		return KindMouse
	case (hasAbsXY || hasMT) && (d.key.has(btnLeft) || d.prop.has(propPointer)):
		// Touchpads drive a cursor.
		return KindMouse
	case d.ev.has(evKey) && d.key.has(keyQ) && d.key.has(keyA) && d.key.has(keySpace) && d.key.has(keyEnter):
		return KindKeyboard
	}
	return KindUnknown
}

// ParseDevices reads a /proc/bus/input/devices listing. Handler names are
// resolved to nodes under inputDir. Entries without an evdev handler are
// skipped.
func ParseDevices(r io.Reader, inputDir string) ([]Device, error) {
	if inputDir == "" {
		inputDir = DefaultInputDir
	}

	var devices []Device
	var cur Device
	inBlock := false

	flush := func() {
		if inBlock && cur.Path != "" {
			cur.Kind = classify(&cur)
			devices = append(devices, cur)
		}
		cur = Device{}
		inBlock = false
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		if len(line) < 3 || line[1] != ':' {
			continue
		}
		inBlock = true
		body := strings.TrimSpace(line[2:])

		switch line[0] {
		case 'I':
			for _, part := range strings.Fields(body) {
				key, val, ok := strings.Cut(part, "=")
				if !ok {
					continue
				}
				v, err := strconv.ParseUint(val, 16, 16)
				if err != nil {
					continue
				}
				switch key {
				case "Bus":
					cur.Bus = uint16(v)
				case "Vendor":
					cur.Vendor = uint16(v)
				case "Product":
					cur.Product = uint16(v)
				}
			}
		case 'N':
			cur.Name = strings.Trim(strings.TrimPrefix(body, "Name="), `"`)
		case 'P':
			cur.Phys = strings.TrimPrefix(body, "Phys=")
		case 'H':
			for _, h := range strings.Fields(strings.TrimPrefix(body, "Handlers=")) {
				if strings.HasPrefix(h, "event") {
					cur.Path = filepath.Join(inputDir, h)
				}
			}
		case 'B':
			key, val, ok := strings.Cut(body, "=")
			if !ok {
				continue
			}
			b, err := parseBitmap(val)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", cur.Name, err)
			}
			switch key {
			case "EV":
				cur.ev = b
			case "KEY":
				cur.key = b
			case "REL":
				cur.rel = b
			case "ABS":
				cur.abs = b
			case "PROP":
				cur.prop = b
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()

	return devices, nil
}

// ReadDevices parses the listing at procPath.
func ReadDevices(procPath, inputDir string) ([]Device, error) {
	if procPath == "" {
		procPath = DefaultProcDevices
	}
	f, err := os.Open(procPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseDevices(f, inputDir)
}

// Usable filters devices to the kinds the tracker can classify.
func Usable(devices []Device) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Kind != KindUnknown {
			out = append(out, d)
		}
	}
	return out
}

// Features derives tracker features from the attached devices. Touch is
// reported when a touchscreen is present; pointer events are enabled only
// for pen tablets, the one kind reported through pointerdown.
func Features(devices []Device) interaction.Features {
	var f interaction.Features
	for _, d := range devices {
		switch d.Kind {
		case KindTouchscreen:
			f.Touch = true
		case KindTablet:
			f.PointerEvents = true
		}
	}
	return f
}
