package collections

import "sync"

// Snapshot is a full-collection replacement delivered by Subscribe. Seq is the
// store notification sequence that triggered it; the initial snapshot has Seq 0.
// When Err is set, Records is nil and consumers keep their previous snapshot.
type Snapshot[T any] struct {
	Records []T
	Seq     uint64
	Err     error
}

// Document is a single-record event delivered by WatchDocument.
type Document[T any] struct {
	Record T
	Found  bool
	Seq    uint64
	Err    error
}

// Stream delivers events with latest-wins semantics: a consumer that falls behind
// receives only the most recent pending event, never a backlog.
type Stream[E any] struct {
	mu     sync.Mutex
	ch     chan E
	done   chan struct{}
	closed bool
}

// NewStream constructs an open stream. Producers outside this package use it to
// feed consumers that accept streams, such as fakes in tests.
func NewStream[E any]() *Stream[E] {
	return &Stream[E]{ch: make(chan E, 1), done: make(chan struct{})}
}

// C returns the receive channel. It is closed when the stream closes.
func (s *Stream[E]) C() <-chan E { return s.ch }

// Done is closed when the stream closes.
func (s *Stream[E]) Done() <-chan struct{} { return s.done }

// Publish replaces any pending event with ev. It reports false once the stream is closed.
func (s *Stream[E]) Publish(ev E) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- ev
	return true
}

// Close releases the stream. Calling it more than once is safe.
func (s *Stream[E]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
