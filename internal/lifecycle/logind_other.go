//go:build !linux

package lifecycle

import (
	"context"

	"modalityd/internal/logging"
)

func watchLogind(ctx context.Context, endOnLock bool, logger *logging.Logger) (<-chan Reason, error) {
	return nil, ErrUnsupported
}
