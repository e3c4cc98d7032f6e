package domain

import (
	"errors"
	"io"
	"net"
	"os"
)

// TransportError is a handshake or socket-level fault.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError is a fault in a store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Category is the user-facing classification of a failure. Raw error
// detail never leaves the engine; presentation only sees a Category.
type Category int

const (
	CategoryNone Category = iota
	CategoryBusiness
	CategoryServerDown
	CategoryConnectionFailed
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryBusiness:
		return "business"
	case CategoryServerDown:
		return "server_down"
	case CategoryConnectionFailed:
		return "connection_failed"
	default:
		return "unknown"
	}
}

// UserMessage returns the generic text shown for a failure category.
func (c Category) UserMessage() string {
	switch c {
	case CategoryNone:
		return ""
	case CategoryConnectionFailed:
		return "Unable to reach the chat server. Retrying..."
	default:
		return "Something went wrong. Please try again."
	}
}

// Categorize maps an error onto a Category.
func Categorize(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var te *TransportError
	if errors.As(err, &te) {
		return CategoryConnectionFailed
	}
	var ne net.Error
	var pe *os.PathError
	if errors.As(err, &ne) || errors.As(err, &pe) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryBusiness
	}
	return CategoryServerDown
}
