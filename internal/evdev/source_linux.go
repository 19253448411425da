//go:build linux

package evdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// ErrNoDevices is returned by Run when nothing can be read and hotplug is off.
var ErrNoDevices = errors.New("evdev: no usable input devices")

var timevalSize = int(unsafe.Sizeof(unix.Timeval{}))

// eventSize is sizeof(struct input_event): a timeval, two u16 and an s32.
var eventSize = timevalSize + 8

// Run reads every discovered device until ctx is done, forwarding
// translated events through dispatch.
func (s *Source) Run(ctx context.Context, dispatch DispatchFunc) error {
	devices, err := s.Discover()
	if err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	if len(devices) == 0 && !s.cfg.Hotplug {
		return ErrNoDevices
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	attach := func(d Device) {
		if s.isAttached(d.Path) {
			return
		}
		f, err := os.OpenFile(d.Path, os.O_RDONLY, 0)
		if err != nil {
			s.logger.Warn("cannot open input device", "device", d.Path, "error", err)
			return
		}
		if !s.markAttached(d) {
			f.Close()
			return
		}
		if d.Name == "" {
			d.Name = deviceName(f)
		}
		s.logger.Info("reading input device", "device", d.Path, "name", d.Name, "kind", d.Kind.String())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.markDetached(d.Path)
			s.readDevice(ctx, f, d, dispatch)
		}()
	}

	for _, d := range devices {
		attach(d)
	}

	if s.cfg.Hotplug {
		if err := s.watchHotplug(ctx, attach); err != nil {
			s.logger.Warn("hotplug disabled", "error", err)
			<-ctx.Done()
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return nil
}

func (s *Source) isAttached(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[path]
	return ok
}

// watchHotplug blocks until ctx is done, attaching event nodes as they
// appear. udev often fixes permissions after creating the node, so chmod
// events retry the attach.
func (s *Source) watchHotplug(ctx context.Context, attach func(Device)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.InputDir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.InputDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), "event") {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
				continue
			}

			all, err := ReadDevices(s.cfg.ProcDevices, s.cfg.InputDir)
			if err != nil {
				s.logger.Warn("re-read device listing", "error", err)
				continue
			}
			for _, d := range s.filter(Usable(all)) {
				if d.Path == ev.Name {
					attach(d)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("hotplug watcher error", "error", err)
		}
	}
}

func (s *Source) readDevice(ctx context.Context, f *os.File, d Device, dispatch DispatchFunc) {
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		if stop() {
			f.Close()
		}
	}()

	tr := NewTranslator(d)
	buf := make([]byte, eventSize*64)

	for {
		n, err := f.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return
			}
			if errors.Is(err, syscall.ENODEV) {
				s.logger.Info("input device removed", "device", d.Path)
				return
			}
			s.logger.Warn("input device read failed", "device", d.Path, "error", err)
			s.reportError(d.Path, err)
			return
		}

		for off := 0; off+eventSize <= n; off += eventSize {
			raw := decodeEvent(buf[off : off+eventSize])
			ev, ok := tr.Translate(raw)
			if !ok {
				continue
			}
			if err := dispatch(ctx, ev); err != nil {
				return
			}
		}
	}
}

func decodeEvent(b []byte) RawEvent {
	var sec, usec int64
	if timevalSize == 16 {
		sec = int64(binary.NativeEndian.Uint64(b[0:8]))
		usec = int64(binary.NativeEndian.Uint64(b[8:16]))
	} else {
		sec = int64(int32(binary.NativeEndian.Uint32(b[0:4])))
		usec = int64(int32(binary.NativeEndian.Uint32(b[4:8])))
	}
	rest := b[timevalSize:]
	return RawEvent{
		Time:  time.Unix(sec, usec*1000),
		Type:  binary.NativeEndian.Uint16(rest[0:2]),
		Code:  binary.NativeEndian.Uint16(rest[2:4]),
		Value: int32(binary.NativeEndian.Uint32(rest[4:8])),
	}
}

// deviceName asks the driver for the device name with EVIOCGNAME.
func deviceName(f *os.File) string {
	const nameLen = 256
	buf := make([]byte, nameLen)
	// _IOC(_IOC_READ, 'E', 0x06, len)
	req := uintptr(2<<30 | nameLen<<16 | 'E'<<8 | 0x06)

	rawConn, err := f.SyscallConn()
	if err != nil {
		return ""
	}
	var errno syscall.Errno
	rawConn.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&buf[0])))
	})
	if errno != 0 {
		return ""
	}
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
