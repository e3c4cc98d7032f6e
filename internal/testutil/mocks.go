package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/store"
	"github.com/devaloi/chatsync/internal/stream"
	"github.com/devaloi/chatsync/internal/transport"
)

// MemoryStore implements store.Store in memory. Setting a Fail* field makes
// the matching operation return that error.
type MemoryStore struct {
	mu       sync.Mutex
	messages []domain.Message

	FailUpsert error
	FailScan   error
	FailEvict  error
	FailClear  error
}

// NewMemoryStore creates a MemoryStore holding msgs in insertion order.
func NewMemoryStore(msgs ...domain.Message) *MemoryStore {
	return &MemoryStore{messages: append([]domain.Message(nil), msgs...)}
}

// Upsert replaces any message with the same ID and appends msg as newest.
func (s *MemoryStore) Upsert(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsert != nil {
		return &domain.PersistenceError{Op: "upsert", Err: s.FailUpsert}
	}
	for i, m := range s.messages {
		if m.ID == msg.ID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			break
		}
	}
	s.messages = append(s.messages, msg)
	return nil
}

// ScanAll returns a copy of the stored messages, oldest first.
func (s *MemoryStore) ScanAll(context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailScan != nil {
		return nil, &domain.PersistenceError{Op: "scan", Err: s.FailScan}
	}
	return append([]domain.Message(nil), s.messages...), nil
}

// EvictToCapacity keeps the newest `capacity` messages.
func (s *MemoryStore) EvictToCapacity(_ context.Context, capacity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEvict != nil {
		return 0, &domain.PersistenceError{Op: "evict", Err: s.FailEvict}
	}
	if capacity < 0 {
		return 0, &domain.PersistenceError{Op: "evict", Err: store.ErrInvalidCapacity}
	}
	if len(s.messages) <= capacity {
		return 0, nil
	}
	n := len(s.messages) - capacity
	s.messages = append([]domain.Message(nil), s.messages[n:]...)
	return n, nil
}

// Clear removes every message.
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailClear != nil {
		return &domain.PersistenceError{Op: "clear", Err: s.FailClear}
	}
	s.messages = nil
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// FakeTransport implements transport.Transport with scripted lifecycle
// events. Tests drive it with Emit and Deliver.
type FakeTransport struct {
	mu          sync.Mutex
	states      chan domain.ConnectionState
	connects    int
	disconnects int
	connected   bool
	sent        []string
	seq         int
	inbound     *stream.Replay[domain.Message]

	SenderID string
	Now      func() int64
	FailSend error
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a FakeTransport for the local identity "me".
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		SenderID: "me",
		Now:      func() int64 { return 1000 },
		inbound:  stream.NewReplay[domain.Message](),
	}
}

// Connect returns the scripted state channel, creating it on first use.
func (f *FakeTransport) Connect() <-chan domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = make(chan domain.ConnectionState, 16)
		f.connects++
	}
	return f.states
}

// Emit delivers a lifecycle event to the connected engine.
func (f *FakeTransport) Emit(s domain.ConnectionState) {
	f.mu.Lock()
	ch := f.states
	f.connected = s.Status == domain.StatusConnected
	f.mu.Unlock()
	if ch != nil {
		ch <- s
	}
}

// Deliver simulates one inbound frame.
func (f *FakeTransport) Deliver(text string) domain.Message {
	f.mu.Lock()
	f.seq++
	msg := domain.Message{ID: fmt.Sprintf("in-%d", f.seq), Text: text, Timestamp: f.Now()}
	f.mu.Unlock()
	f.inbound.Publish(msg)
	return msg
}

// Send records text and returns a locally built message.
func (f *FakeTransport) Send(text string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSend != nil {
		return domain.Message{}, &domain.TransportError{Op: "send", Err: f.FailSend}
	}
	if !f.connected {
		return domain.Message{}, &domain.TransportError{Op: "send", Err: transport.ErrNotConnected}
	}
	f.seq++
	f.sent = append(f.sent, text)
	return domain.Message{
		ID:        fmt.Sprintf("out-%d", f.seq),
		Text:      text,
		Timestamp: f.Now(),
		SenderID:  f.SenderID,
	}, nil
}

// Receive subscribes to delivered messages.
func (f *FakeTransport) Receive(ctx context.Context) <-chan domain.Message {
	return f.inbound.Subscribe(ctx)
}

// Disconnect closes the state channel.
func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	if f.states != nil {
		close(f.states)
		f.states = nil
	}
	return nil
}

// Connects returns how many times a connection loop was started.
func (f *FakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many times Disconnect was called.
func (f *FakeTransport) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Sent returns the texts written so far.
func (f *FakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Receivers returns the number of live Receive subscriptions.
func (f *FakeTransport) Receivers() int {
	return f.inbound.Subscribers()
}

// Close releases the inbound stream.
func (f *FakeTransport) Close() {
	f.inbound.Close()
}
