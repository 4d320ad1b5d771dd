package events

import (
	"sync"
	"sync/atomic"

	"marksman/internal/logging"
	"marksman/internal/types"
)

// subscriberBuffer bounds each subscriber's live channel. A slow consumer
// drops events rather than stalling publication; the event log remains the
// source of truth, so a dropped consumer re-reads from its last seq.
const subscriberBuffer = 256

// Subscription is one live listener's handle. Receivers select on C and
// Done; the event channel itself is never closed, so a publisher that
// snapshotted this subscriber before Close can still complete its send
// safely (it lands in the buffer and is discarded with the subscription).
type Subscription struct {
	C <-chan types.EventRecord

	bus     *Bus
	runID   string
	id      int64
	ch      chan types.EventRecord
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
}

// Close detaches the subscription and signals Done.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unregister(s.runID, s.id)
		close(s.done)
	})
}

// Done is closed once the subscription is detached.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns the number of events this subscriber missed due to a full
// buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Bus fans live events out to per-run subscribers. Publication never blocks:
// full subscribers drop.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int64]*Subscription
	nextID int64

	published    atomic.Int64
	droppedTotal atomic.Int64
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int64]*Subscription)}
}

func (b *Bus) register(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		bus:   b,
		runID: runID,
		id:    b.nextID,
		ch:    make(chan types.EventRecord, subscriberBuffer),
		done:  make(chan struct{}),
	}
	sub.C = sub.ch
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int64]*Subscription)
	}
	b.subs[runID][sub.id] = sub
	return sub
}

func (b *Bus) unregister(runID string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[runID]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, runID)
		}
	}
}

func (b *Bus) publish(rec types.EventRecord) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[rec.RunID]))
	for _, s := range b.subs[rec.RunID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range subs {
		select {
		case s.ch <- rec:
		default:
			s.dropped.Add(1)
			b.droppedTotal.Add(1)
			logging.Events("subscriber %d on run %s dropped seq %d (buffer full)", s.id, rec.RunID, rec.Seq)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (b *Bus) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Subscribe attaches a live listener and replays the persisted tail. It
// returns every persisted event with seq > fromSeq plus a subscription that
// receives everything appended afterwards, with no gap between the two:
// appends are serialised against subscription, so an event is either in the
// replay slice or delivered on the channel.
func (l *Log) Subscribe(runID string, fromSeq int64) ([]types.EventRecord, *Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	replay, err := l.store.EventsAfter(runID, fromSeq, 0)
	if err != nil {
		return nil, nil, err
	}
	if l.bus == nil {
		return replay, nil, types.E(types.KindInternal, "event log has no bus attached")
	}
	sub := l.bus.register(runID)
	return replay, sub, nil
}
