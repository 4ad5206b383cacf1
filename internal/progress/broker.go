// Package progress fans job progress events out to observers. Delivery is
// lossy for intermediate events but every subscriber is guaranteed to
// receive a terminal event for its job.
package progress

import (
	"log/slog"
	"sync"

	"github.com/vidqueue/vidqueue/internal/model"
)

const defaultBufferSize = 16

// Broker routes ProgressEvents to per-job subscribers.
type Broker struct {
	mu      sync.Mutex
	subs    map[string][]*subscriber
	bufSize int
	logger  *slog.Logger
}

type subscriber struct {
	ch     chan model.ProgressEvent
	closed bool
}

func NewBroker(bufSize int, logger *slog.Logger) *Broker {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Broker{
		subs:    make(map[string][]*subscriber),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers an observer for jobID's events. The returned cancel
// function detaches the observer; the channel is closed either by cancel or
// after a terminal event is delivered.
func (b *Broker) Subscribe(jobID string) (<-chan model.ProgressEvent, func()) {
	sub := &subscriber{ch: make(chan model.ProgressEvent, b.bufSize)}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.detachLocked(jobID, sub)
	}
	return sub.ch, cancel
}

func (b *Broker) detachLocked(jobID string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	remaining := make([]*subscriber, 0, len(b.subs[jobID]))
	for _, s := range b.subs[jobID] {
		if s != sub {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(b.subs, jobID)
	} else {
		b.subs[jobID] = remaining
	}
}

// Publish delivers ev to all observers of its job. Intermediate events are
// dropped when an observer's buffer is full; a terminal event evicts the
// oldest buffered event until it fits, then closes the subscription.
func (b *Broker) Publish(ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[ev.JobID]
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		if ev.Terminal {
			b.sendTerminal(sub, ev)
		} else {
			select {
			case sub.ch <- ev:
			default:
				b.logger.Debug("Publish: dropped intermediate event", "jobID", ev.JobID, "status", ev.Status)
			}
		}
	}

	if ev.Terminal {
		for _, sub := range subs {
			b.detachLocked(ev.JobID, sub)
		}
	}
}

// sendTerminal makes room by discarding the oldest buffered events. The
// subscriber trades stale intermediate updates for the one event it must
// not miss.
func (b *Broker) sendTerminal(sub *subscriber, ev model.ProgressEvent) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}
