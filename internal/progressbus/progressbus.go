// Package progressbus multiplexes ProgressEvents to any number of
// subscribers without blocking publishers. Each subscriber owns a bounded
// ring of pending events drained by its own forwarder goroutine, so a slow
// subscriber can neither back-pressure a publisher nor delay another
// subscriber. On overflow the oldest non-terminal event is dropped;
// terminal events (progress=100) are never dropped.
package progressbus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"soundforge/internal/model"
)

// Subscription is a live feed of ProgressEvents for one subscriber.
type Subscription struct {
	Events <-chan model.ProgressEvent

	bus *Bus
	id  uint64
	sub *subscriber
}

// Close releases the subscription's resources. Safe to call more than once,
// and safe to call concurrently with Bus.Close.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.sub.close()
}

// Bus is the shared Progress Bus. Zero value is not usable; use New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	queueSize int
	log       *logrus.Entry
	closed    bool
}

type subscriber struct {
	fileID string
	max    int
	out    chan model.ProgressEvent
	log    *logrus.Entry

	mu      sync.Mutex
	pending []model.ProgressEvent
	wake    chan struct{} // 1-buffered: signals the forwarder that work arrived
	done    chan struct{}
	closed  bool
}

// New builds a Bus whose subscriptions each buffer up to queueSize events
// before the drop-oldest-non-terminal policy kicks in.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
		log:       logrus.WithField("component", "progressbus"),
	}
}

// Subscribe returns a Subscription filtered to fileID, or to every event if
// fileID is "".
func (b *Bus) Subscribe(fileID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscriber{
		fileID: fileID,
		max:    b.queueSize,
		out:    make(chan model.ProgressEvent),
		log:    b.log,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[id] = sub
	go sub.forward()

	return &Subscription{
		Events: sub.out,
		bus:    b,
		id:     id,
		sub:    sub,
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(event model.ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.fileID != "" && sub.fileID != event.FileID {
			continue
		}
		sub.push(event)
	}
}

// push enqueues event into the subscriber's pending ring. When the ring is
// full, the oldest non-terminal event is dropped to make room; if every
// pending event is terminal, a terminal newcomer is kept anyway (the ring
// briefly exceeds its bound rather than lose a terminal event) and a
// non-terminal newcomer is dropped instead.
func (s *subscriber) push(event model.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.pending) >= s.max {
		dropped := false
		for i, pend := range s.pending {
			if !pend.Terminal() {
				s.log.WithFields(logrus.Fields{
					"file_id": pend.FileID, "stage": pend.Stage, "progress": pend.Progress,
				}).Warn("progress subscriber queue full, dropping oldest event")
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && !event.Terminal() {
			s.log.WithFields(logrus.Fields{
				"file_id": event.FileID, "stage": event.Stage, "progress": event.Progress,
			}).Warn("progress subscriber queue full of terminal events, dropping new event")
			return
		}
	}

	s.pending = append(s.pending, event)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward drains the pending ring into the out channel in FIFO order. It is
// the only sender on out, so per-subscriber ordering matches publish order.
func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *model.ProgressEvent
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			next = &ev
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- *next:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// Close closes every live subscription. Subsequent Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}
