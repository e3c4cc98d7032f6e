package domain

import (
	"encoding/json"
	"time"
)

// Message is one chat message. Messages are immutable once created.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"dateTime"`
	SenderID  string `json:"senderId,omitempty"`
}

// IsMine reports whether the message was originated by the local user.
func (m Message) IsMine() bool {
	return m.SenderID != ""
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// NewestFirst returns a copy of msgs in reverse order. Stores return
// messages oldest first; presentation wants the newest on top.
func NewestFirst(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// Encode serializes a value to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
