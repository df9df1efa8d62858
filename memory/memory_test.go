package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReaderFilterByTypePreservesOrder(t *testing.T) {
	snap := Snapshot{
		Events: []Event{
			{Type: EventUserMessage, Timestamp: time.Unix(1, 0), Data: "hi"},
			{Type: EventToolCall, Timestamp: time.Unix(2, 0), Data: "call-1"},
			{Type: EventPlannerNote, Timestamp: time.Unix(3, 0), Data: "note-a"},
			{Type: EventToolResult, Timestamp: time.Unix(4, 0), Data: "result-1"},
			{Type: EventPlannerNote, Timestamp: time.Unix(5, 0), Data: "note-b"},
		},
	}
	reader := NewReader(snap)

	notes := reader.FilterByType(EventPlannerNote)
	assert.Len(t, notes, 2)
	assert.Equal(t, "note-a", notes[0].Data)
	assert.Equal(t, "note-b", notes[1].Data)
}

func TestReaderLatestReturnsMostRecentMatch(t *testing.T) {
	snap := Snapshot{
		Events: []Event{
			{Type: EventAssistantMessage, Data: "first"},
			{Type: EventAssistantMessage, Data: "second"},
		},
	}
	reader := NewReader(snap)

	ev, ok := reader.Latest(EventAssistantMessage)
	assert.True(t, ok)
	assert.Equal(t, "second", ev.Data)

	_, ok = reader.Latest(EventToolCall)
	assert.False(t, ok)
}

func TestReaderEventsReturnsAll(t *testing.T) {
	snap := Snapshot{Events: []Event{{Type: EventUserMessage}, {Type: EventToolCall}}}
	assert.Len(t, NewReader(snap).Events(), 2)
}
