package step

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Poll calls probe up to attempts times, sleeping interval after every
// failed attempt. It returns nil as soon as probe reports true, and
// ErrAttemptsExhausted once every attempt has failed.
func Poll(ctx context.Context, attempts int, interval time.Duration, probe func() bool) error {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if probe() {
			return nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%d attempts: %w", attempts, ErrAttemptsExhausted)
}

// WaitForPath polls until path exists on the local filesystem.
func WaitForPath(ctx context.Context, path string, attempts int, interval time.Duration) error {
	err := Poll(ctx, attempts, interval, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s after %d attempts", ErrDeviceNotFound, path, attempts)
	}
	return nil
}
