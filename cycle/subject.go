// Package cycle implements the Cycle Runner component (spec.md §4.4): the
// serialized, coalesced execution of one push-then-pull replication cycle,
// plus the observable facade (received/send/error/active/canceled/initial
// replication complete) that the Replication Controller exposes to callers.
//
// The subscriber registry in this file is grounded on eventsync's
// SyncServiceImpl (sync_service.go), which keeps a mutex-protected map of
// subscribers and fans a value out to each of them; the same shape serves
// an in-process observable just as well as it served that service's
// per-document client registry.
package cycle

import "sync"

// Subject is a minimal multicast broadcaster: every value passed to Next is
// delivered to every channel currently returned by Subscribe. Subscribers
// that are not actively receiving do not block the broadcaster - each
// channel buffers up to 16 values, and a slow or absent reader misses any
// value published while its buffer is full, which is the right tradeoff for a "received document" / "error" event
// stream where replaying history to a late subscriber is not meaningful.
type Subject[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewSubject returns an empty Subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed automatically if the Subject
// itself is closed.
func (s *Subject[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, 16)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Next broadcasts v to every current subscriber, using a non-blocking send
// so one stalled reader cannot stall the replication cycle that is
// publishing the event.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscriber channel and marks the Subject closed;
// further Subscribe calls receive an already-closed channel.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// BehaviorSubject is a Subject that remembers its current value and
// replays it to every new subscriber immediately, matching RxDB's
// active$/canceled$ "current state, then updates" semantics.
type BehaviorSubject[T any] struct {
	mu     sync.Mutex
	value  T
	subs   map[int]chan T
	nextID int
	closed bool
}

// NewBehaviorSubject returns a BehaviorSubject seeded with initial.
func NewBehaviorSubject[T any](initial T) *BehaviorSubject[T] {
	return &BehaviorSubject[T]{value: initial, subs: make(map[int]chan T)}
}

// Value returns the current value.
func (b *BehaviorSubject[T]) Value() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Subscribe returns a channel that immediately holds the current value and
// receives every subsequent one (last value wins if the reader falls
// behind), plus an unsubscribe function.
func (b *BehaviorSubject[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 1)
	if b.closed {
		ch <- b.value
		close(ch)
		return ch, func() {}
	}
	ch <- b.value

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Next updates the current value and replaces whatever is buffered in each
// subscriber's channel with it, so readers always observe the latest value
// rather than a backlog.
func (b *BehaviorSubject[T]) Next(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.value = v
	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
					continue
				default:
				}
			}
			break
		}
	}
}

// Close closes every subscriber channel and marks the BehaviorSubject
// closed.
func (b *BehaviorSubject[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
