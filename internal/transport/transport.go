// Package transport maintains the client's socket connection to the chat
// server.
package transport

import (
	"context"
	"errors"

	"github.com/devaloi/chatsync/internal/domain"
)

// ErrNotConnected is returned by Send when no socket is open.
var ErrNotConnected = errors.New("not connected")

// Transport is one logical connection to a fixed endpoint.
type Transport interface {
	// Connect starts the connection loop and returns its lifecycle events.
	// While a loop is active it returns the same channel and never opens a
	// second socket. The channel is closed by Disconnect.
	Connect() <-chan domain.ConnectionState
	// Send writes text as one frame and returns the locally built Message.
	// No acknowledgement is awaited.
	Send(text string) (domain.Message, error)
	// Receive subscribes to inbound messages. The most recent message is
	// replayed to new subscribers. The channel closes when ctx is done.
	Receive(ctx context.Context) <-chan domain.Message
	// Disconnect closes the socket and stops reconnecting. Safe to call
	// when already disconnected.
	Disconnect() error
}
