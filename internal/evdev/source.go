package evdev

import (
	"context"
	"errors"
	"sync"

	"modalityd/internal/interaction"
	"modalityd/internal/logging"
)

// ErrNotAvailable is returned where evdev input cannot be read.
var ErrNotAvailable = errors.New("evdev: input devices not available on this platform")

// DispatchFunc hands a translated event to the tracker's loop.
type DispatchFunc func(ctx context.Context, e interaction.Event) error

// Config configures a Source.
type Config struct {
	// ProcDevices is the device listing; DefaultProcDevices when empty.
	ProcDevices string
	// InputDir holds the event nodes; DefaultInputDir when empty.
	InputDir string
	// Devices restricts reading to these nodes. Empty means every usable
	// device in the listing.
	Devices []string
	// Hotplug attaches devices that appear after Run starts.
	Hotplug bool

	Logger *logging.Logger

	// OnDevices is called with the attached device count after each change.
	OnDevices func(n int)
	// OnError is called for read failures on a device.
	OnError func(path string, err error)
}

// Source reads evdev devices and forwards translated events.
type Source struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	attached map[string]Device
	features interaction.Features
}

// NewSource creates a source. Devices are discovered by Discover or Run.
func NewSource(cfg Config) *Source {
	if cfg.ProcDevices == "" {
		cfg.ProcDevices = DefaultProcDevices
	}
	if cfg.InputDir == "" {
		cfg.InputDir = DefaultInputDir
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Source{
		cfg:      cfg,
		logger:   logger.WithComponent("evdev"),
		attached: make(map[string]Device),
	}
}

// Discover reads the device listing and returns the usable devices,
// restricted to Config.Devices when set. The tracker's features are derived
// from this set.
func (s *Source) Discover() ([]Device, error) {
	all, err := ReadDevices(s.cfg.ProcDevices, s.cfg.InputDir)
	if err != nil {
		return nil, err
	}
	devices := s.filter(Usable(all))

	s.mu.Lock()
	s.features = Features(devices)
	s.mu.Unlock()
	return devices, nil
}

func (s *Source) filter(devices []Device) []Device {
	if len(s.cfg.Devices) == 0 {
		return devices
	}
	allowed := make(map[string]bool, len(s.cfg.Devices))
	for _, p := range s.cfg.Devices {
		allowed[p] = true
	}
	out := devices[:0]
	for _, d := range devices {
		if allowed[d.Path] {
			out = append(out, d)
		}
	}
	return out
}

// Features reports the features of the last discovered device set.
func (s *Source) Features() interaction.Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// Devices returns the devices currently being read.
func (s *Source) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.attached))
	for _, d := range s.attached {
		out = append(out, d)
	}
	return out
}

func (s *Source) markAttached(d Device) bool {
	s.mu.Lock()
	if _, ok := s.attached[d.Path]; ok {
		s.mu.Unlock()
		return false
	}
	s.attached[d.Path] = d
	n := len(s.attached)
	s.mu.Unlock()

	if s.cfg.OnDevices != nil {
		s.cfg.OnDevices(n)
	}
	return true
}

func (s *Source) markDetached(path string) {
	s.mu.Lock()
	delete(s.attached, path)
	n := len(s.attached)
	s.mu.Unlock()

	if s.cfg.OnDevices != nil {
		s.cfg.OnDevices(n)
	}
}

func (s *Source) reportError(path string, err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(path, err)
	}
}
