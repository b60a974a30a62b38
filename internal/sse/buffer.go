// Package sse implements the streaming response pipeline: decoding upstream
// Server-Sent Event streams, transforming events across API dialects in real
// time, and aggregating the stream into a final response object for logging
// and quota accounting.
package sse

import (
	"bytes"
	"strings"
)

// messageBoundary separates SSE messages on the wire.
var messageBoundary = []byte("\n\n")

// MessageBuffer splits an upstream byte stream into complete SSE messages.
// A partial trailing message is held across reads until the next chunk or
// end-of-stream completes it.
type MessageBuffer struct {
	buf bytes.Buffer
}

// Append adds upstream bytes and returns every complete message they
// finished, without the trailing boundary.
func (b *MessageBuffer) Append(chunk []byte) []string {
	b.buf.Write(chunk)

	var messages []string
	for {
		data := b.buf.Bytes()
		idx := bytes.Index(data, messageBoundary)
		if idx < 0 {
			return messages
		}
		messages = append(messages, string(data[:idx]))
		b.buf.Next(idx + len(messageBoundary))
	}
}

// Remainder returns the held partial message, if any. Called at
// end-of-stream to flush a final unterminated event.
func (b *MessageBuffer) Remainder() string {
	return b.buf.String()
}

// Event is a parsed SSE message: an optional event type and the joined data
// payload.
type Event struct {
	Type string
	Data string
}

// ParseMessage parses a complete SSE message. Multiple data lines are
// joined with newlines per the SSE spec; comment lines are dropped.
func ParseMessage(msg string) Event {
	var ev Event
	var data []string
	for line := range strings.Lines(msg) {
		line = strings.TrimSuffix(line, "\n")
		if line == "" || line[0] == ':' {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		}
	}
	ev.Data = strings.Join(data, "\n")
	return ev
}

// IsDone reports whether the event is the stream terminator sentinel.
func (e Event) IsDone() bool { return e.Data == "[DONE]" }
