package pipeline

import (
	"sync"
	"sync/atomic"
)

// EventBus fans processed frames out to per-camera subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses that update.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

type eventSubscription struct {
	cameraFilter string
	channel      chan *Update
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// SubscribeCamera returns a channel that receives updates for a camera and
// an unsubscribe function. Unsubscribing closes the channel; calling it
// more than once is harmless.
func (b *EventBus) SubscribeCamera(cameraID string, bufferSize int) (<-chan *Update, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *Update, bufferSize)
	sub := &eventSubscription{
		cameraFilter: cameraID,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an update to every subscriber of its camera
func (b *EventBus) Publish(update *Update) {
	if update == nil || update.Message == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != update.Message.CameraID {
			continue
		}
		select {
		case sub.channel <- update:
		default:
			// Channel full, skip this update
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of subscribers for a camera
func (b *EventBus) SubscriberCount(cameraID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for sub := range b.subscribers {
		if sub.cameraFilter == cameraID {
			n++
		}
	}
	return n
}

// Dropped returns how many updates were skipped for slow subscribers
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// CloseCamera unsubscribes every subscriber of a camera
func (b *EventBus) CloseCamera(cameraID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.cameraFilter == cameraID {
			close(sub.channel)
			delete(b.subscribers, sub)
		}
	}
}

// Fail delivers msg to every subscriber of a camera and then closes their
// channels. A full buffer loses its oldest update so the error still fits.
func (b *EventBus) Fail(cameraID string, msg *ErrorMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	final := &Update{Error: msg}
	for sub := range b.subscribers {
		if sub.cameraFilter != cameraID {
			continue
		}
		select {
		case sub.channel <- final:
		default:
			select {
			case <-sub.channel:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.channel <- final:
			default:
			}
		}
		close(sub.channel)
		delete(b.subscribers, sub)
	}
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		close(sub.channel)
		delete(b.subscribers, sub)
	}
}
