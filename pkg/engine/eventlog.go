package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// eventLog is a run's ordered, append-only event stream: a thread-safe
// fixed-size ring buffer with sequence tracking and oldest-first eviction,
// plus live fan-out to subscribers.
//
// Appends happen only on the run's scheduler goroutine, which gives the
// stream its total order. Subscriber delivery is non-blocking: a slow
// consumer drops events and recovers by re-querying the buffered history.
type eventLog struct {
	mu       sync.RWMutex
	events   []domain.Event
	head     int // index of oldest element
	tail     int // index where next element will be inserted
	size     int
	capacity int
	seq      uint64

	subs    map[int]chan domain.Event
	nextSub int
	closed  bool
	dropped uint64

	now func() time.Time
}

func newEventLog(capacity int, now func() time.Time) *eventLog {
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &eventLog{
		events:   make([]domain.Event, capacity),
		capacity: capacity,
		subs:     make(map[int]chan domain.Event),
		now:      now,
	}
}

// append stamps the next sequence number, stores the event (evicting the
// oldest when full) and fans it out to live subscribers. Delivery is
// non-blocking and happens under the lock, so a subscriber channel is never
// closed mid-send.
func (l *eventLog) append(kind domain.EventKind, nodeID string, payload any) domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := domain.Event{
		Seq:       l.seq,
		Kind:      kind,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: l.now(),
	}

	l.events[l.tail] = ev
	l.tail = (l.tail + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % l.capacity
	}

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			l.dropped++
		}
	}

	return ev
}

// history returns all buffered events, oldest first.
func (l *eventLog) history() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.Event, 0, l.size)
	for i := 0; i < l.size; i++ {
		idx := (l.head + i) % l.capacity
		result = append(result, l.events[idx])
	}
	return result
}

// since returns buffered events with sequence strictly greater than seq,
// oldest first.
func (l *eventLog) since(seq uint64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []domain.Event
	for i := 0; i < l.size; i++ {
		idx := (l.head + i) % l.capacity
		if l.events[idx].Seq > seq {
			result = append(result, l.events[idx])
		}
	}
	return result
}

// lastSeq returns the sequence of the newest appended event.
func (l *eventLog) lastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// droppedCount reports how many live deliveries were skipped for slow
// subscribers.
func (l *eventLog) droppedCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// subscribe registers a live feed. The channel closes when the run reaches a
// terminal state or ctx is cancelled. Events already appended are not
// replayed; catch up through since().
func (l *eventLog) subscribe(ctx context.Context, buffer int) <-chan domain.Event {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan domain.Event, buffer)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			l.unsubscribe(id)
		}()
	}

	return ch
}

func (l *eventLog) unsubscribe(id int) {
	l.mu.Lock()
	ch, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.mu.Unlock()
	if ok {
		close(ch)
	}
}

// close ends every live feed. Further appends are still recorded in the
// buffer but reach no subscribers.
func (l *eventLog) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	subs := l.subs
	l.subs = make(map[int]chan domain.Event)
	l.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
