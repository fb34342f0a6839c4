// Package session tracks live interactive streams and buffers their recent
// output so a reconnecting client can catch up on what it missed.
package session

import (
	"sync"
	"time"
)

// replayBufferSize bounds the output replayed on reconnect.
const replayBufferSize = 64 * 1024

// RingBuffer is a fixed-size circular byte buffer. Writes never block and
// never grow it; old output falls off the front.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	if n >= r.size {
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}
	if r.pos+n <= r.size {
		copy(r.buf[r.pos:], p)
	} else {
		first := r.size - r.pos
		copy(r.buf[r.pos:], p[:first])
		copy(r.buf, p[first:])
	}
	r.pos = (r.pos + n) % r.size
	if !r.full && r.pos < n {
		r.full = true
	}
	return n, nil
}

// Bytes returns the buffered output in write order.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	out := make([]byte, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}

// Stream is one interactive execution's output channel. Output mirrors into
// the replay buffer while a writer callback (the live websocket, when one is
// attached) receives it in real time.
type Stream struct {
	ID        string
	WorldID   string
	SpanID    string
	CreatedAt time.Time

	replay *RingBuffer

	mu   sync.Mutex
	sink func([]byte)
}

// Write feeds PTY output into the stream.
func (s *Stream) Write(p []byte) (int, error) {
	if _, err := s.replay.Write(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(append([]byte(nil), p...))
	}
	return len(p), nil
}

// Attach installs the live consumer and returns the buffered output the new
// consumer should see first.
func (s *Stream) Attach(sink func([]byte)) []byte {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return s.replay.Bytes()
}

// Detach removes the live consumer; output keeps buffering for the next one.
func (s *Stream) Detach() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// Registry indexes live streams by id.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Create registers a stream for a world execution.
func (r *Registry) Create(id, worldID, spanID string) *Stream {
	st := &Stream{
		ID:        id,
		WorldID:   worldID,
		SpanID:    spanID,
		CreatedAt: time.Now(),
		replay:    NewRingBuffer(replayBufferSize),
	}
	r.mu.Lock()
	r.streams[id] = st
	r.mu.Unlock()
	return st
}

func (r *Registry) Get(id string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.streams[id]
	return st, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}
