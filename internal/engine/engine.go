// Package engine synchronizes a chat transport with the local message cache
// and publishes a single ordered stream of state updates.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/store"
	"github.com/devaloi/chatsync/internal/stream"
	"github.com/devaloi/chatsync/internal/transport"
)

var (
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrTerminated is returned by every operation after Shutdown.
	ErrTerminated = errors.New("engine shut down")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCapacity sets how many messages InvalidateCache retains.
func WithCapacity(n int) Option {
	return func(e *Engine) { e.capacity = n }
}

// Engine owns one transport and one store. Neither may be written to by
// anything else while the engine is alive.
type Engine struct {
	transport transport.Transport
	store     store.Store
	capacity  int
	log       *slog.Logger
	events    *stream.Replay[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	phase     Phase
	receiving bool
}

// New creates an engine in PhaseInitial. Call Start to connect.
func New(t transport.Transport, s store.Store, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport: t,
		store:     s,
		capacity:  store.DefaultCapacity,
		log:       slog.Default(),
		events:    stream.NewReplay[Event](),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events subscribes to the engine's updates. The latest update is replayed
// immediately. The channel closes when ctx is done or the engine shuts down.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	return e.events.Subscribe(ctx)
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Start connects the transport and begins processing its lifecycle events.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case PhaseInitial:
	case PhaseTerminal:
		return ErrTerminated
	default:
		return ErrAlreadyStarted
	}

	e.phase = PhaseConnecting
	e.events.Publish(Event{Kind: EventLoading})
	states := e.transport.Connect()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watch(states)
	}()
	e.log.Info("engine started")
	return nil
}

// Send writes text to the transport unchanged, caches the resulting message
// and publishes EventMessageSent. Sending is attempted in any phase. A cache
// failure does not hide a successful send: the message is returned together
// with the *domain.PersistenceError.
func (e *Engine) Send(ctx context.Context, text string) (domain.Message, error) {
	if e.Phase() == PhaseTerminal {
		return domain.Message{}, ErrTerminated
	}
	msg, err := e.transport.Send(text)
	if err != nil {
		e.log.Warn("send failed", "err", err)
		e.publish(Event{Kind: EventError, Category: domain.Categorize(err)})
		return domain.Message{}, err
	}

	cacheErr := e.store.Upsert(ctx, msg)
	if cacheErr != nil {
		e.log.Error("cache sent message", "id", msg.ID, "err", cacheErr)
	}
	e.publish(Event{Kind: EventMessageSent, Message: msg, Messages: e.snapshot(ctx, msg)})
	return msg, cacheErr
}

// LoadHistory publishes the cached messages as EventHistoryLoaded, or
// EventNoHistory when the cache is empty.
func (e *Engine) LoadHistory(ctx context.Context) error {
	if e.Phase() == PhaseTerminal {
		return ErrTerminated
	}
	msgs, err := e.store.ScanAll(ctx)
	if err != nil {
		e.log.Error("load history", "err", err)
		e.publish(Event{Kind: EventError, Category: domain.Categorize(err)})
		return err
	}
	if len(msgs) == 0 {
		e.publish(Event{Kind: EventNoHistory})
		return nil
	}
	e.log.Debug("history loaded", "count", len(msgs))
	e.publish(Event{Kind: EventHistoryLoaded, Messages: domain.NewestFirst(msgs)})
	return nil
}

// ClearCache deletes every cached message.
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.Phase() == PhaseTerminal {
		return ErrTerminated
	}
	return e.store.Clear(ctx)
}

// InvalidateCache evicts all but the newest messages up to the configured
// capacity and returns how many were deleted. It is meant to be triggered
// periodically by an external scheduler.
func (e *Engine) InvalidateCache(ctx context.Context) (int, error) {
	if e.Phase() == PhaseTerminal {
		return 0, ErrTerminated
	}
	n, err := e.store.EvictToCapacity(ctx, e.capacity)
	if err != nil {
		return 0, err
	}
	e.log.Info("cache invalidated", "count", n)
	return n, nil
}

// Shutdown disconnects the transport, stops every subscription and closes
// the event stream. It is safe to call more than once.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.phase == PhaseTerminal {
		e.mu.Unlock()
		return nil
	}
	started := e.phase != PhaseInitial
	e.phase = PhaseTerminal
	e.mu.Unlock()

	e.cancel()
	var err error
	if started {
		err = e.transport.Disconnect()
	}
	e.wg.Wait()
	e.events.Close()
	e.log.Info("engine shut down")
	return err
}

func (e *Engine) watch(states <-chan domain.ConnectionState) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if err := runSafely("connection state", func() error { return e.handle(s) }); err != nil {
				e.log.Error("handle connection state", "state", s.Status, "err", err)
				e.publish(Event{Kind: EventError, Category: domain.CategoryServerDown})
			}
		}
	}
}

func (e *Engine) handle(s domain.ConnectionState) error {
	switch s.Status {
	case domain.StatusConnected:
		if !e.transition(PhaseConnected) {
			return nil
		}
		e.publish(Event{Kind: EventConnected})
		if err := e.LoadHistory(e.ctx); err != nil && !errors.Is(err, ErrTerminated) {
			e.log.Warn("history unavailable", "err", err)
		}
		e.subscribe()

	case domain.StatusDisconnected:
		if !e.transition(PhaseDisconnected) {
			return nil
		}
		e.publish(Event{Kind: EventDisconnected})

	case domain.StatusFailed:
		if e.Phase() == PhaseTerminal {
			return nil
		}
		e.transition(PhaseFailed)
		e.log.Warn("connection failed", "err", s.Err)
		e.publish(Event{Kind: EventError, Category: domain.CategoryConnectionFailed})
	}
	return nil
}

// transition moves to phase and reports whether anything changed. Every
// failure counts as a change so each one is reported.
func (e *Engine) transition(to Phase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == PhaseTerminal || (e.phase == to && to != PhaseFailed) {
		return false
	}
	e.log.Debug("phase change", "from", e.phase, "phase", to)
	e.phase = to
	return true
}

// subscribe starts the inbound pipeline once. The transport's receive
// stream survives reconnects, so later handshakes reuse it.
func (e *Engine) subscribe() {
	e.mu.Lock()
	if e.receiving || e.phase == PhaseTerminal {
		e.mu.Unlock()
		return
	}
	e.receiving = true
	inbound := e.transport.Receive(e.ctx)
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		for msg := range inbound {
			if err := runSafely("receive", func() error { return e.ingest(msg) }); err != nil {
				e.log.Error("ingest message", "id", msg.ID, "err", err)
				e.publish(Event{Kind: EventError, Category: domain.CategoryServerDown})
			}
		}
	}()
}

// ingest persists msg and then publishes it. A cache failure is logged and
// the message is still delivered.
func (e *Engine) ingest(msg domain.Message) error {
	if err := e.store.Upsert(e.ctx, msg); err != nil {
		e.log.Error("cache received message", "id", msg.ID, "err", err)
	}
	e.publish(Event{Kind: EventMessageReceived, Message: msg, Messages: e.snapshot(e.ctx, msg)})
	return nil
}

// snapshot re-derives the displayed list from the store, newest first.
// msg is included even when caching it failed.
func (e *Engine) snapshot(ctx context.Context, msg domain.Message) []domain.Message {
	msgs, err := e.store.ScanAll(ctx)
	if err != nil {
		e.log.Error("rebuild message list", "err", err)
		return []domain.Message{msg}
	}
	found := false
	for _, m := range msgs {
		if m.ID == msg.ID {
			found = true
			break
		}
	}
	if !found {
		msgs = append(msgs, msg)
	}
	return domain.NewestFirst(msgs)
}

func (e *Engine) publish(ev Event) {
	e.events.Publish(ev)
}
