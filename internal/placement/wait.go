package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/latticectl/internal/lattice"
	"github.com/rs/zerolog/log"
)

// waitHandle is an open, filtered subscription created before dispatch so a fast
// confirmation cannot be missed.
type waitHandle struct {
	sub     lattice.Subscription
	success string
	failure string
}

// prepareWait opens the subscription for one command's success and failure kinds.
// It has no effect on any host.
func prepareWait(ctx context.Context, events lattice.EventSource, success, failure string) (*waitHandle, error) {
	sub, err := events.Subscribe(ctx, []string{success, failure})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	return &waitHandle{sub: sub, success: success, failure: failure}, nil
}

// Close releases the subscription. Safe on a nil handle.
func (w *waitHandle) Close() {
	if w == nil {
		return
	}
	if err := w.sub.Close(); err != nil {
		log.Debug().Msgf("placement.wait close err=%v", err)
	}
}

// await reads events until one matches host and ref or timeout elapses.
// Events for other commands are discarded.
func (w *waitHandle) await(ctx context.Context, host lattice.HostID, ref string, timeout time.Duration) (lattice.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := w.sub.Events()
	for {
		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return lattice.Event{}, fmt.Errorf("%w after %s", ErrConfirmationTimeout, timeout)
			}
			return lattice.Event{}, waitCtx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return lattice.Event{}, err
				}
				return lattice.Event{}, fmt.Errorf("%w: event stream closed before confirmation", ErrConfirmationFailed)
			}
			if !ev.Matches(host, ref) {
				log.Trace().Msgf("placement.wait discard kind=%q host_id=%q ref=%q", ev.Kind, ev.HostID, ev.ArtifactRef)
				continue
			}
			switch ev.Kind {
			case w.success:
				return ev, nil
			case w.failure:
				return ev, fmt.Errorf("%w: %s", ErrConfirmationFailed, ev.Error)
			default:
				continue
			}
		}
	}
}
