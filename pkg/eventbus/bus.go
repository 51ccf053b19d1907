// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus implements the per-execution, ordered, multi-subscriber
// event stream: a bounded history ring buffer
// enabling late-subscriber replay and reconnect resume, a cooperative
// cancel-token, and a reader-writer-protected registry mapping exec_id to
// (history buffer, broadcast publisher, cancel-token) - the only truly
// shared mutable structure in the engine.
package eventbus

import (
	"context"
	"errors"
	"sync"
)

// DefaultBufferSize is the minimum history ring size (512 events).
const DefaultBufferSize = 512

// SubscriberChannelSize bounds how far a live subscriber may lag behind the
// publisher before it is closed and must reconnect with last_event_id.
const SubscriberChannelSize = 256

var (
	ErrAlreadyActive = errors.New("eventbus: exec_id already registered")
	ErrNotFound      = errors.New("eventbus: exec_id not registered")
)

// CancelToken is a cooperative, observable cancellation signal. It is
// distinct from the persisted execution status: a cancelled
// token does not by itself mean the execution was "cancelled" — it may also
// mean it was "paused". Callers must reconcile against persisted status
// after the execution body returns.
type CancelToken struct {
	ch   chan struct{}
	once sync.Once
}

func newCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancelled returns a channel that is closed once Fire is called.
func (c *CancelToken) Cancelled() <-chan struct{} { return c.ch }

// IsCancelled reports whether Fire has been called, without blocking.
func (c *CancelToken) IsCancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Fire cancels the token. Safe to call multiple times or concurrently.
func (c *CancelToken) Fire() {
	c.once.Do(func() { close(c.ch) })
}

// Context returns a context.Context that is done when the token fires or
// when parent is done, whichever comes first. Convenient for threading the
// cooperative cancel-token through code that already expects a context
// (provider calls, tool calls, DB operations).
func (c *CancelToken) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Publisher is the write side of a registered execution's stream, handed
// back from Register to the owning execution body.
type Publisher interface {
	// Broadcast assigns the next id for this execution and pushes the event
	// to the history buffer and all live subscribers. A Kind==KindDone event
	// marks the stream finite; subsequent broadcasts are ignored.
	Broadcast(kind Kind, payload []byte) (*Event, error)
}

type execStream struct {
	mu        sync.Mutex
	execID    string
	buf       *ringBuffer
	nextID    int64
	done      bool
	completed bool
	cancel    *CancelToken
	subs      map[int]*subscriber
	nextSubID int
}

type subscriber struct {
	ch     chan *Event
	closed bool
}

// Bus is the per-execution event distribution hub.
type Bus struct {
	mu         sync.RWMutex
	streams    map[string]*execStream
	bufferSize int
}

// New creates a Bus whose per-execution history ring buffers hold
// bufferSize events. bufferSize is clamped up to DefaultBufferSize.
func New(bufferSize int) *Bus {
	if bufferSize < DefaultBufferSize {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		streams:    make(map[string]*execStream),
		bufferSize: bufferSize,
	}
}

// Register creates a broadcast channel and history buffer for execID. It
// fails with ErrAlreadyActive if execID is already registered and still
// live - the in-memory half of the engine's two-gate admission control.
// A finished stream (done broadcast, Complete called) is
// replaced: resuming a paused mission re-registers under the same id and
// starts a fresh gapless sequence.
func (b *Bus) Register(execID string) (*CancelToken, Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, exists := b.streams[execID]; exists {
		existing.mu.Lock()
		finished := existing.done && existing.completed
		existing.mu.Unlock()
		if !finished {
			return nil, nil, ErrAlreadyActive
		}
	}

	stream := &execStream{
		execID: execID,
		buf:    newRingBuffer(b.bufferSize),
		cancel: newCancelToken(),
		subs:   make(map[int]*subscriber),
	}
	b.streams[execID] = stream
	return stream.cancel, stream, nil
}

func (b *Bus) getStream(execID string) (*execStream, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[execID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Broadcast implements Publisher.Broadcast for a given stream.
func (s *execStream) Broadcast(kind Kind, payload []byte) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		// done is always last; ignore anything broadcast after it.
		return nil, nil
	}

	s.nextID++
	ev := &Event{ExecID: s.execID, ID: s.nextID, Kind: kind, Payload: payload}
	s.buf.push(ev)

	if kind == KindDone {
		s.done = true
	}

	for id, sub := range s.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Lagged subscriber: close rather than block the publisher.
			// It must reconnect with last_event_id to resume.
			close(sub.ch)
			sub.closed = true
			delete(s.subs, id)
		}
	}

	if s.done {
		// done is the stream's final event; drain-close every live
		// subscriber so their range loops terminate.
		for id, sub := range s.subs {
			if !sub.closed {
				close(sub.ch)
				sub.closed = true
			}
			delete(s.subs, id)
		}
	}

	return ev, nil
}

// Broadcast is the Bus-level convenience wrapper used by callers that only
// hold an execID (e.g. after a process restart, before re-registering).
func (b *Bus) Broadcast(execID string, kind Kind, payload []byte) (*Event, error) {
	s, err := b.getStream(execID)
	if err != nil {
		return nil, err
	}
	return s.Broadcast(kind, payload)
}

// SubscribeWithHistory yields the tail of history strictly greater than
// lastEventID (nil means "from the beginning"), then a channel of live
// events. The returned channel is closed when the execution completes
// (after done is broadcast and observed) or if this subscriber lags behind
// the ring buffer.
func (b *Bus) SubscribeWithHistory(execID string, lastEventID *int64) ([]*Event, <-chan *Event, error) {
	s, err := b.getStream(execID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var replay []*Event
	if lastEventID == nil {
		replay = s.buf.all()
	} else {
		replay = s.buf.after(*lastEventID)
	}

	sub := &subscriber{ch: make(chan *Event, SubscriberChannelSize)}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = sub

	if s.done {
		// Stream already finished; caller gets the replay (including the
		// done event, since it's retained in the buffer) and an
		// already-closed live channel.
		close(sub.ch)
		delete(s.subs, id)
	}

	return replay, sub.ch, nil
}

// Cancel fires the cancel-token for execID without removing the
// registration, so subscribers can still drain the buffered tail.
func (b *Bus) Cancel(execID string) error {
	s, err := b.getStream(execID)
	if err != nil {
		return err
	}
	s.cancel.Fire()
	return nil
}

// Unregister removes execID's registration. A no-op (not an error) if
// execID is absent: unregistering is idempotent.
func (b *Bus) Unregister(execID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[execID]
	if !ok {
		return nil
	}
	delete(b.streams, execID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(s.subs, id)
	}
	return nil
}

// Complete marks the owner finished with execID without discarding the
// stream: the buffered history (including the done event) stays available
// so a late subscriber can still observe the terminal event, and a later
// Register under the same id replaces the finished stream. Completing an
// absent execID is a no-op. Unregister remains the hard-removal path for
// owners abandoning a stream outright.
func (b *Bus) Complete(execID string) error {
	s, err := b.getStream(execID)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

var _ Publisher = (*execStream)(nil)
