package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/stream"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 2 * time.Minute
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxFrameSize   = 64 << 10

	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	stateBuffer = 16
)

// Config describes the endpoint and timing of a WebSocket transport.
type Config struct {
	URL            string
	SenderID       string
	Header         http.Header
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	MaxFrameSize   int64
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// Option configures a WebSocket.
type Option func(*WebSocket)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *WebSocket) { w.log = l }
}

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(w *WebSocket) { w.now = now }
}

// WebSocket is a Transport over gorilla/websocket that reconnects after a
// fixed delay whenever the link drops.
type WebSocket struct {
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	dialer  *websocket.Dialer
	inbound *stream.Replay[domain.Message]

	mu     sync.Mutex
	states chan domain.ConnectionState
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocket creates a disconnected transport for cfg.URL.
func NewWebSocket(cfg Config, opts ...Option) *WebSocket {
	cfg = cfg.withDefaults()
	w := &WebSocket{
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		inbound: stream.NewReplay[domain.Message](),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect starts the connection loop if it is not already running.
func (w *WebSocket) Connect() <-chan domain.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.states != nil {
		return w.states
	}

	ctx, cancel := context.WithCancel(context.Background())
	states := make(chan domain.ConnectionState, stateBuffer)
	done := make(chan struct{})
	w.states, w.cancel, w.done = states, cancel, done

	go w.run(ctx, states, done)
	return states
}

// IsConnected reports whether a socket is currently open.
func (w *WebSocket) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Send writes text to the open socket.
func (w *WebSocket) Send(text string) (domain.Message, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return domain.Message{}, &domain.TransportError{Op: "send", Err: ErrNotConnected}
	}

	msg := domain.Message{
		ID:        newID(),
		Text:      text,
		Timestamp: w.now().UnixMilli(),
		SenderID:  w.cfg.SenderID,
	}
	if err := w.write(conn, websocket.TextMessage, []byte(text)); err != nil {
		return domain.Message{}, &domain.TransportError{Op: "send", Err: err}
	}
	w.log.Debug("frame sent", "id", msg.ID)
	return msg, nil
}

// Receive subscribes to inbound messages until ctx is done.
func (w *WebSocket) Receive(ctx context.Context) <-chan domain.Message {
	return w.inbound.Subscribe(ctx)
}

// Disconnect stops the connection loop and closes the socket.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	states, cancel, done := w.states, w.cancel, w.done
	w.states, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if states == nil {
		return nil
	}

	cancel()
	wasOpen, err := w.closeConn()
	<-done

	// The loop has exited; nothing else writes to states now.
	if wasOpen {
		select {
		case states <- domain.Disconnected():
		default:
		}
	}
	close(states)
	w.log.Info("transport disconnected", "url", w.cfg.URL)
	return err
}

func (w *WebSocket) run(ctx context.Context, states chan<- domain.ConnectionState, done chan<- struct{}) {
	defer close(done)

	retry := backoff.WithContext(backoff.NewConstantBackOff(w.cfg.ReconnectDelay), ctx)
	for attempt := 1; ; attempt++ {
		conn, err := w.dial(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dial failed", "url", w.cfg.URL, "attempt", attempt, "err", err)
			w.emit(ctx, states, domain.Failed(&domain.TransportError{Op: "dial", Err: err}))
		case !w.setConn(ctx, conn):
			conn.Close()
			return
		default:
			attempt = 0
			w.log.Info("transport connected", "url", w.cfg.URL)
			w.emit(ctx, states, domain.Connected())

			err := w.serve(conn)
			w.clearConn(conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			if peerClosed(err) {
				w.log.Info("connection closed by peer", "url", w.cfg.URL, "err", err)
				w.emit(ctx, states, domain.Disconnected())
			} else {
				w.log.Warn("connection lost", "url", w.cfg.URL, "err", err)
				w.emit(ctx, states, domain.Failed(&domain.TransportError{Op: "read", Err: err}))
			}
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve reads frames until the connection fails. The ping goroutine is
// stopped before serve returns.
func (w *WebSocket) serve(conn *websocket.Conn) error {
	conn.SetReadLimit(w.cfg.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.ping(conn, stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		if typ != websocket.TextMessage {
			w.log.Debug("ignoring non-text frame", "type", typ)
			continue
		}
		msg := domain.Message{
			ID:        newID(),
			Text:      string(data),
			Timestamp: w.now().UnixMilli(),
		}
		w.log.Debug("frame received", "id", msg.ID)
		w.inbound.Publish(msg)
	}
}

// ping keeps an idle link alive. Period must be less than ReadTimeout.
func (w *WebSocket) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.ReadTimeout * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) write(conn *websocket.Conn, typ int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(typ, data)
}

// setConn publishes conn unless Disconnect has already run.
func (w *WebSocket) setConn(ctx context.Context, conn *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	w.conn = conn
	return true
}

func (w *WebSocket) clearConn(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == conn {
		w.conn = nil
	}
}

func (w *WebSocket) closeConn() (bool, error) {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return false, nil
	}
	// WriteControl may run concurrently with the other write methods.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return true, conn.Close()
}

func (w *WebSocket) emit(ctx context.Context, states chan<- domain.ConnectionState, s domain.ConnectionState) {
	select {
	case states <- s:
	case <-ctx.Done():
	}
}

func peerClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
