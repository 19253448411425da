//go:build !linux

package evdev

import "context"

// Run is not supported on this platform.
func (s *Source) Run(ctx context.Context, dispatch DispatchFunc) error {
	return ErrNotAvailable
}
