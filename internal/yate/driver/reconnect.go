package driver

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// DialFunc produces a fresh Transport, e.g. driver.DialTCP bound to a fixed
// address.
type DialFunc func(ctx context.Context) (Transport, error)

// RunWithReconnect runs a Driver built fresh from dial on every attempt,
// redialing after a TransportError until ctx is cancelled. Reconnect
// attempts are paced by limiter so a persistently unreachable Yate engine
// cannot spin the process in a tight retry loop; per-attempt Driver state
// (registries, pending requests) does not survive a reconnect, matching the
// protocol's own assumption that a new transport connection starts a new
// external-module session.
//
// newDriver is called once per attempt with a Driver freshly constructed
// (via New, with opts applied) over the dialed transport, and must run the
// application's work against it, returning once that attempt's session
// ends.
func RunWithReconnect(ctx context.Context, dial DialFunc, limiter *rate.Limiter, log *slog.Logger, newDriver func(*Driver) error, opts ...Option) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("subsystem", "yate-driver-reconnect")

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		transport, err := dial(ctx)
		if err != nil {
			log.Warn("dial failed, will retry", "error", err)
			continue
		}

		d := New(transport, log, opts...)
		attemptErr := newDriver(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if errors.Is(attemptErr, ErrTransport) {
			log.Warn("session ended, reconnecting", "error", attemptErr)
			continue
		}
		return attemptErr
	}
}
