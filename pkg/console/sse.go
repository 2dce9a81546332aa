package console

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

// SSEEvent is one server-sent event on the run feed. The server serializes
// with EncodeSSEEvent and the CLI's watch client parses the same wire format
// back with ParseSSEStream.
type SSEEvent struct {
	// Event is the SSE event name, the run event's kind.
	Event string

	// ID is the SSE id field, the run event's sequence number. Clients
	// send it back as Last-Event-ID to resume a dropped stream.
	ID string

	// Data is the JSON-encoded run event.
	Data []byte
}

// EncodeRunEvent converts a run event to its SSE representation.
func EncodeRunEvent(ev domain.Event) (SSEEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return SSEEvent{}, fmt.Errorf("encode run event: %w", err)
	}
	return SSEEvent{
		Event: string(ev.Kind),
		ID:    strconv.FormatUint(ev.Seq, 10),
		Data:  data,
	}, nil
}

// DecodeRunEvent parses the JSON payload of an SSE event back into a run
// event.
func DecodeRunEvent(ev SSEEvent) (domain.Event, error) {
	var out domain.Event
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		return domain.Event{}, fmt.Errorf("decode run event: %w", err)
	}
	return out, nil
}

// EncodeSSEEvent renders an event in SSE wire format: event and id fields,
// one data line per payload line, terminated by a blank line.
func EncodeSSEEvent(ev SSEEvent) []byte {
	var buf bytes.Buffer
	if ev.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Event)
		buf.WriteByte('\n')
	}
	if ev.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(ev.ID)
		buf.WriteByte('\n')
	}

	if len(ev.Data) == 0 {
		buf.WriteString("data: \n")
	} else {
		for _, line := range strings.Split(string(ev.Data), "\n") {
			buf.WriteString("data: ")
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// ParseSSEStream reads SSE events from r until EOF, delivering each complete
// event on the returned channel. The channel closes when the stream ends.
func ParseSSEStream(r io.Reader) <-chan SSEEvent {
	events := make(chan SSEEvent, 16)

	go func() {
		defer close(events)

		var current SSEEvent
		var dataLines []string
		flush := func() {
			if current.Event == "" && current.ID == "" && len(dataLines) == 0 {
				return
			}
			current.Data = []byte(strings.Join(dataLines, "\n"))
			events <- current
			current = SSEEvent{}
			dataLines = nil
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			if line == "" {
				flush()
				continue
			}
			if strings.HasPrefix(line, ":") {
				// Comment line, used as keep-alive.
				continue
			}

			field, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			value = strings.TrimPrefix(value, " ")

			switch field {
			case "event":
				current.Event = value
			case "id":
				current.ID = value
			case "data":
				dataLines = append(dataLines, value)
			}
		}
		flush()
	}()

	return events
}
