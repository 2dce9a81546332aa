package console

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatoai/mercato-oss/pkg/domain"
)

func TestEncodeRunEventCarriesSeqAndKind(t *testing.T) {
	ev := domain.Event{
		Seq:       7,
		Kind:      domain.EventNodeCompleted,
		NodeID:    "writer",
		Payload:   map[string]any{"duration": "12ms"},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	sse, err := EncodeRunEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "node.completed", sse.Event)
	assert.Equal(t, "7", sse.ID)

	decoded, err := DecodeRunEvent(sse)
	require.NoError(t, err)
	assert.Equal(t, ev.Seq, decoded.Seq)
	assert.Equal(t, ev.Kind, decoded.Kind)
	assert.Equal(t, ev.NodeID, decoded.NodeID)
}

func TestEncodeSSEEventWireFormat(t *testing.T) {
	wire := string(EncodeSSEEvent(SSEEvent{
		Event: "run.output",
		ID:    "3",
		Data:  []byte(`{"seq":3}`),
	}))

	assert.Equal(t, "event: run.output\nid: 3\ndata: {\"seq\":3}\n\n", wire)
}

func TestEncodeSSEEventSplitsMultiLineData(t *testing.T) {
	wire := string(EncodeSSEEvent(SSEEvent{Event: "note", Data: []byte("line one\nline two")}))

	assert.Equal(t, "event: note\ndata: line one\ndata: line two\n\n", wire)
}

func TestParseSSEStreamRoundTrip(t *testing.T) {
	original := []SSEEvent{
		{Event: "run.started", ID: "1", Data: []byte(`{"seq":1,"kind":"run.started"}`)},
		{Event: "run.output", ID: "2", Data: []byte(`{"seq":2,"kind":"run.output"}`)},
	}

	var wire strings.Builder
	for _, ev := range original {
		wire.Write(EncodeSSEEvent(ev))
	}

	var parsed []SSEEvent
	for ev := range ParseSSEStream(strings.NewReader(wire.String())) {
		parsed = append(parsed, ev)
	}

	require.Len(t, parsed, len(original))
	for i := range original {
		assert.Equal(t, original[i].Event, parsed[i].Event)
		assert.Equal(t, original[i].ID, parsed[i].ID)
		assert.Equal(t, string(original[i].Data), string(parsed[i].Data))
	}
}

func TestParseSSEStreamSkipsCommentsAndCRLF(t *testing.T) {
	wire := ": keep-alive\r\n" +
		"event: run.status\r\n" +
		"id: 9\r\n" +
		"data: running\r\n" +
		"\r\n" +
		": another keep-alive\r\n"

	var parsed []SSEEvent
	for ev := range ParseSSEStream(strings.NewReader(wire)) {
		parsed = append(parsed, ev)
	}

	require.Len(t, parsed, 1)
	assert.Equal(t, "run.status", parsed[0].Event)
	assert.Equal(t, "9", parsed[0].ID)
	assert.Equal(t, "running", string(parsed[0].Data))
}

func TestParseSSEStreamFlushesTrailingEvent(t *testing.T) {
	// No trailing blank line: the final event still arrives at EOF.
	wire := "event: run.output\ndata: tail\n"

	var parsed []SSEEvent
	for ev := range ParseSSEStream(strings.NewReader(wire)) {
		parsed = append(parsed, ev)
	}

	require.Len(t, parsed, 1)
	assert.Equal(t, "tail", string(parsed[0].Data))
}

func TestParseSSEStreamMultiLineData(t *testing.T) {
	wire := "data: first\ndata: second\n\n"

	var parsed []SSEEvent
	for ev := range ParseSSEStream(strings.NewReader(wire)) {
		parsed = append(parsed, ev)
	}

	require.Len(t, parsed, 1)
	assert.Equal(t, "first\nsecond", string(parsed[0].Data))
}
