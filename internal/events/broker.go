// Package events fans SyncEvents out to in-process subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/diarysync/internal/metrics"
	"github.com/dmitrijs2005/diarysync/internal/models"
)

const (
	DefaultBuffer = 16
	// DefaultBacklog bounds the events held for one slow subscriber.
	DefaultBacklog = 4096
)

// Broker delivers every published event to every current subscriber, in
// publish order per subscriber. Publish never blocks: each subscriber has
// its own backlog drained by a pump goroutine. Only a subscriber whose
// backlog is full loses events; those drops are counted.
type Broker struct {
	metrics *metrics.Metrics
	backlog int

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type subscriber struct {
	out  chan models.SyncEvent
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []models.SyncEvent
}

func NewBroker(m *metrics.Metrics) *Broker {
	return &Broker{metrics: m, backlog: DefaultBacklog, subs: map[int]*subscriber{}}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan models.SyncEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscriber{
		out:  make(chan models.SyncEvent, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.wg.Add(1)
	go b.pump(s)

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (b *Broker) pump(s *subscriber) {
	defer b.wg.Done()
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending[0] = models.SyncEvent{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Publish queues ev for every current subscriber.
func (b *Broker) Publish(ev models.SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.mu.Lock()
		if len(s.pending) >= b.backlog {
			s.mu.Unlock()
			b.dropped.Add(1)
			b.metrics.EventDropped()
			continue
		}
		s.pending = append(s.pending, ev)
		s.mu.Unlock()

		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Dropped counts events lost to full backlogs.
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription and waits for the pumps to exit. Later
// publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
