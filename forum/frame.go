package forum

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FrameType is the discriminator carried by every inbound frame.
type FrameType string

const (
	FrameAuthFailed FrameType = "auth_failed"
	FrameHistory    FrameType = "history"
	FrameMessage    FrameType = "message"
	FrameThreadList FrameType = "thread_list"
	FrameSystem     FrameType = "system"
)

// WireMessage is one chat message as carried on the wire.
type WireMessage struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
	ThreadID  *ThreadID `json:"thread_id,omitempty"`
}

// Frame is the JSON envelope sent by the chat backend. Only the fields of
// the given Type are populated.
type Frame struct {
	Type      FrameType     `json:"type"`
	Detail    string        `json:"detail,omitempty"`
	Messages  []WireMessage `json:"messages,omitempty"`
	Username  string        `json:"username,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	Threads   []Thread      `json:"threads,omitempty"`
	ThreadID  *ThreadID     `json:"thread_id,omitempty"`
}

// Entry returns the single message carried by a message frame.
func (f Frame) Entry() WireMessage {
	return WireMessage{Username: f.Username, Message: f.Message, Timestamp: f.Timestamp, ThreadID: f.ThreadID}
}

// DecodeFrame parses one inbound text frame. Unknown types decode fine and
// are left to the dispatcher; structurally broken frames return a
// MalformedFrame ChannelError.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ChannelError{Kind: MalformedFrame, Err: err}
	}
	if f.Type == "" {
		return Frame{}, &ChannelError{Kind: MalformedFrame, Err: errors.New("missing type")}
	}
	switch f.Type {
	case FrameMessage:
		if f.Username == "" {
			return Frame{}, &ChannelError{Kind: MalformedFrame, Err: errors.New("message without username")}
		}
	case FrameHistory:
		for i, m := range f.Messages {
			if m.Username == "" {
				return Frame{}, &ChannelError{Kind: MalformedFrame, Err: fmt.Errorf("history entry %d without username", i)}
			}
		}
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and naive ISO-8601 (read as UTC).
// Unparseable input yields the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
