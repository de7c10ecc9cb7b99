package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StillWaitingMessage is the synthetic event emitted when no worker progress
// arrives within the forward window, so a cold start never looks like a
// silent hang.
const StillWaitingMessage = "Still waiting for the inference endpoint to respond..."

// Relay hands progress messages from pipeline workers to the request-driving
// goroutine. Publishing never blocks: when the buffer is full the message is
// dropped, since progress is advisory.
type Relay struct {
	ch     chan string
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRelay creates a relay with the given buffer capacity.
func NewRelay(buffer int, logger zerolog.Logger) *Relay {
	if buffer <= 0 {
		buffer = 100
	}
	return &Relay{
		ch:     make(chan string, buffer),
		logger: logger.With().Str("component", "progress_relay").Logger(),
	}
}

// Publish enqueues a progress message, dropping it if the buffer is full or
// the relay is already closed.
func (r *Relay) Publish(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	select {
	case r.ch <- message:
	default:
		r.dropped++
		r.logger.Debug().Int("dropped", r.dropped).Msg("progress buffer full, message dropped")
	}
}

// Close marks the producer side done. Publish becomes a no-op and Forward
// drains the buffer then returns.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Dropped reports how many messages were discarded on overflow.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Forward delivers relayed messages to emit until the relay closes or ctx is
// cancelled. If no message arrives within wait, a synthetic still-waiting
// event is emitted and the window restarts.
func (r *Relay) Forward(ctx context.Context, wait time.Duration, emit func(message string)) error {
	if wait <= 0 {
		wait = 70 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-r.ch:
			if !ok {
				return nil
			}
			emit(message)
		case <-timer.C:
			emit(StillWaitingMessage)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}
