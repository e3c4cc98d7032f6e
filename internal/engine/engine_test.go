package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/store"
	"github.com/devaloi/chatsync/internal/testutil"
	"github.com/devaloi/chatsync/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	t      *testing.T
	eng    *Engine
	tr     *testutil.FakeTransport
	st     *testutil.MemoryStore
	events <-chan Event
}

func newHarness(t *testing.T, cached ...domain.Message) *harness {
	t.Helper()
	return newHarnessWithStore(t, testutil.NewMemoryStore(cached...))
}

func newHarnessWithStore(t *testing.T, st store.Store, opts ...Option) *harness {
	t.Helper()
	tr := testutil.NewFakeTransport()
	eng := New(tr, st, append([]Option{WithLogger(quietLogger)}, opts...)...)
	h := &harness{t: t, eng: eng, tr: tr, events: eng.Events(context.Background())}
	if ms, ok := st.(*testutil.MemoryStore); ok {
		h.st = ms
	}
	t.Cleanup(func() {
		eng.Shutdown()
		tr.Close()
	})
	return h
}

func (h *harness) next() Event {
	h.t.Helper()
	select {
	case ev, ok := <-h.events:
		require.True(h.t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func (h *harness) expect(kinds ...Kind) []Event {
	h.t.Helper()
	got := make([]Event, 0, len(kinds))
	for _, want := range kinds {
		ev := h.next()
		require.Equal(h.t, want, ev.Kind, "events so far: %v", got)
		got = append(got, ev)
	}
	return got
}

func (h *harness) quiet() {
	h.t.Helper()
	select {
	case ev := <-h.events:
		h.t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.eng.Start())
	h.tr.Emit(domain.Connected())
}

func TestNoHistoryOnEmptyCache(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.expect(EventLoading, EventConnected, EventNoHistory)
	assert.Equal(t, PhaseConnected, h.eng.Phase())
}

func TestHistoryLoadedFromCache(t *testing.T) {
	cached := domain.Message{ID: "123", Text: "msg", Timestamp: 123}
	h := newHarness(t, cached)
	h.connect()

	evs := h.expect(EventLoading, EventConnected, EventHistoryLoaded)
	assert.Equal(t, []domain.Message{{ID: "123", Text: "msg", Timestamp: 123}}, evs[2].Messages)
}

func TestHistoryIsNewestFirst(t *testing.T) {
	h := newHarness(t,
		domain.Message{ID: "1", Text: "first"},
		domain.Message{ID: "2", Text: "second"},
	)
	h.connect()

	evs := h.expect(EventLoading, EventConnected, EventHistoryLoaded)
	require.Len(t, evs[2].Messages, 2)
	assert.Equal(t, "2", evs[2].Messages[0].ID)
}

func TestSendWhileConnected(t *testing.T) {
	h := newHarness(t, domain.Message{ID: "old", Text: "earlier"})
	h.connect()
	h.expect(EventLoading, EventConnected, EventHistoryLoaded)

	msg, err := h.eng.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.IsMine())
	assert.Equal(t, []string{"hello"}, h.tr.Sent())

	ev := h.next()
	require.Equal(t, EventMessageSent, ev.Kind)
	assert.Equal(t, msg, ev.Message)
	require.Len(t, ev.Messages, 2)
	assert.Equal(t, msg, ev.Messages[0], "sent message is newest")

	cached, err := h.st.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cached, msg)
}

func TestSendPassesRawText(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	raw := "    indented()\n"
	msg, err := h.eng.Send(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, raw, msg.Text)
	assert.Equal(t, []string{raw}, h.tr.Sent())

	ev := h.expect(EventMessageSent)[0]
	assert.Equal(t, raw, ev.Message.Text)
}

func TestSendWhileDisconnectedSurfacesError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Start())
	h.expect(EventLoading)

	_, err := h.eng.Send(context.Background(), "hello")
	require.ErrorIs(t, err, transport.ErrNotConnected)

	ev := h.expect(EventError)[0]
	assert.Equal(t, domain.CategoryConnectionFailed, ev.Category)
	assert.NotEmpty(t, ev.UserMessage())
	assert.Zero(t, h.st.Len(), "failed sends are not cached")
}

func TestSendCacheFailureStillPublishes(t *testing.T) {
	st := testutil.NewMemoryStore()
	st.FailUpsert = errors.New("disk full")
	h := newHarnessWithStore(t, st)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	msg, err := h.eng.Send(context.Background(), "hello")
	var pe *domain.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "hello", msg.Text, "wire success is not hidden by a cache fault")

	ev := h.expect(EventMessageSent)[0]
	assert.Equal(t, []domain.Message{msg}, ev.Messages)
}

func TestReceivedMessagesArePersistedThenPublished(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	in := h.tr.Deliver("hi from server")
	ev := h.expect(EventMessageReceived)[0]
	assert.Equal(t, in, ev.Message)
	assert.False(t, ev.Message.IsMine())
	assert.Equal(t, []domain.Message{in}, ev.Messages)
	assert.Equal(t, 1, h.st.Len(), "message cached before publish")

	second := h.tr.Deliver("again")
	ev = h.expect(EventMessageReceived)[0]
	assert.Equal(t, []domain.Message{second, in}, ev.Messages)
}

func TestReceiveCacheFailureIsNotFatal(t *testing.T) {
	st := testutil.NewMemoryStore()
	st.FailUpsert = errors.New("disk full")
	h := newHarnessWithStore(t, st)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	a := h.tr.Deliver("one")
	assert.Equal(t, a, h.expect(EventMessageReceived)[0].Message)
	b := h.tr.Deliver("two")
	assert.Equal(t, b, h.expect(EventMessageReceived)[0].Message)
}

type panicStore struct {
	*testutil.MemoryStore
}

func (panicStore) Upsert(context.Context, domain.Message) error {
	panic("corrupt row")
}

func TestReceivePanicBecomesGenericError(t *testing.T) {
	h := newHarnessWithStore(t, panicStore{testutil.NewMemoryStore()})
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	h.tr.Deliver("boom")
	ev := h.expect(EventError)[0]
	assert.Equal(t, domain.CategoryServerDown, ev.Category)

	h.tr.Deliver("still alive")
	h.expect(EventError)
}

func TestConnectedThenReadErrorTransitions(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.tr.Emit(domain.Failed(&domain.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}))

	evs := h.expect(EventLoading, EventConnected, EventNoHistory, EventError)
	assert.Equal(t, domain.CategoryConnectionFailed, evs[3].Category)
	assert.Equal(t, PhaseFailed, h.eng.Phase())
	h.quiet()
}

func TestDuplicateConnectedIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.tr.Emit(domain.Connected())

	h.expect(EventLoading, EventConnected, EventNoHistory)
	h.quiet()
	assert.Equal(t, 1, h.tr.Connects())
}

func TestFailedIsAlwaysReported(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Start())
	h.tr.Emit(domain.Failed(errors.New("refused")))
	h.tr.Emit(domain.Failed(errors.New("refused")))

	h.expect(EventLoading, EventError, EventError)
	assert.Equal(t, PhaseFailed, h.eng.Phase())
}

func TestDisconnectedIsPublished(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.tr.Emit(domain.Disconnected())

	h.expect(EventLoading, EventConnected, EventNoHistory, EventDisconnected)
	assert.Equal(t, PhaseDisconnected, h.eng.Phase())
}

func TestReconnectReloadsHistoryWithOneSubscription(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)
	require.Eventually(t, func() bool { return h.tr.Receivers() == 1 }, time.Second, 5*time.Millisecond)

	h.tr.Emit(domain.Failed(errors.New("reset")))
	h.expect(EventError)
	h.tr.Emit(domain.Connected())
	h.expect(EventConnected, EventNoHistory)

	assert.Equal(t, 1, h.tr.Receivers())
	in := h.tr.Deliver("after reconnect")
	assert.Equal(t, in, h.expect(EventMessageReceived)[0].Message)
	h.quiet()
}

func TestHistoryScanFailurePublishesError(t *testing.T) {
	st := testutil.NewMemoryStore()
	st.FailScan = errors.New("locked")
	h := newHarnessWithStore(t, st)
	h.connect()

	ev := h.expect(EventLoading, EventConnected, EventError)[2]
	assert.Equal(t, domain.CategoryServerDown, ev.Category)
	assert.Equal(t, PhaseConnected, h.eng.Phase())
}

func TestLateSubscriberGetsLatestEvent(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	late := h.eng.Events(context.Background())
	select {
	case ev := <-late:
		assert.Equal(t, EventNoHistory, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber got nothing")
	}
}

func TestInvalidateCacheKeepsNewest(t *testing.T) {
	st := testutil.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 201; i++ {
		require.NoError(t, st.Upsert(ctx, domain.Message{ID: fmt.Sprintf("m%d", i), Text: "x"}))
	}
	h := newHarnessWithStore(t, st)

	n, err := h.eng.InvalidateCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := st.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, store.DefaultCapacity)
	assert.Equal(t, "m1", msgs[0].ID, "earliest inserted id evicted")
}

func TestInvalidateCacheCustomCapacity(t *testing.T) {
	st := testutil.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, st.Upsert(ctx, domain.Message{ID: fmt.Sprint(i)}))
	}
	h := newHarnessWithStore(t, st, WithCapacity(3))

	n, err := h.eng.InvalidateCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 3, st.Len())
}

func TestClearCache(t *testing.T) {
	h := newHarness(t, domain.Message{ID: "1"}, domain.Message{ID: "2"})

	require.NoError(t, h.eng.ClearCache(context.Background()))
	assert.Zero(t, h.st.Len())
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Start())
	assert.ErrorIs(t, h.eng.Start(), ErrAlreadyStarted)
	assert.Equal(t, 1, h.tr.Connects())
}

func TestShutdownIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)
	require.Eventually(t, func() bool { return h.tr.Receivers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.Shutdown())
	require.NoError(t, h.eng.Shutdown())
	assert.Equal(t, 1, h.tr.Disconnects())
	assert.Zero(t, h.tr.Receivers(), "receive subscription released")
	assert.Equal(t, PhaseTerminal, h.eng.Phase())

	_, ok := <-h.events
	assert.False(t, ok, "event stream closed")

	ctx := context.Background()
	assert.ErrorIs(t, h.eng.Start(), ErrTerminated)
	_, err := h.eng.Send(ctx, "hello")
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, h.eng.LoadHistory(ctx), ErrTerminated)
	assert.ErrorIs(t, h.eng.ClearCache(ctx), ErrTerminated)
	_, err = h.eng.InvalidateCache(ctx)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Empty(t, h.tr.Sent())
}

func TestShutdownBeforeStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Shutdown())
	assert.Zero(t, h.tr.Disconnects())
}

func TestConcurrentSendsProduceDistinctMessages(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.expect(EventLoading, EventConnected, EventNoHistory)

	ctx := context.Background()
	ids := make(chan string, 20)
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			msg, err := h.eng.Send(ctx, fmt.Sprintf("msg %d", i))
			errs <- err
			ids <- msg.ID
		}(i)
	}
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
		seen[<-ids] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 20, h.st.Len())
}

func TestKindAndPhaseStrings(t *testing.T) {
	assert.Equal(t, "no_history", EventNoHistory.String())
	assert.Equal(t, "terminal", PhaseTerminal.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
