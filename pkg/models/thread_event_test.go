package models

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestThreadEventRoundTrip(t *testing.T) {
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event ThreadEvent
	}{
		{
			name: "user message",
			event: ThreadEvent{
				ID:        "evt-1",
				ThreadID:  "lace_20250101_aaaaaa",
				Type:      EventUserMessage,
				Timestamp: ts,
				Data:      MarshalMessageData("Hi"),
			},
		},
		{
			name: "tool call",
			event: ThreadEvent{
				ID:        "evt-2",
				ThreadID:  "lace_20250101_aaaaaa",
				Type:      EventToolCall,
				Timestamp: ts,
				Data: MarshalToolCallData(ToolCall{
					ID:    "c1",
					Name:  "file_read",
					Input: json.RawMessage(`{"path":"a.txt"}`),
				}),
			},
		},
		{
			name: "tool result with metadata",
			event: ThreadEvent{
				ID:        "evt-3",
				ThreadID:  "lace_20250101_aaaaaa",
				Type:      EventToolResult,
				Timestamp: ts,
				Data: MarshalToolResultData(ToolResult{
					ID:       "c1",
					Content:  []ContentBlock{TextBlock("X")},
					Metadata: map[string]any{"threadId": "lace_20250101_aaaaaa.1"},
				}),
			},
		},
		{
			name: "compaction",
			event: ThreadEvent{
				ID:        "evt-4",
				ThreadID:  "lace_20250101_aaaaaa",
				Type:      EventCompaction,
				Timestamp: ts,
				Data: MarshalCompactionData(CompactionData{
					OriginalEventCount: 3,
					CompactedEvents: []ThreadEvent{{
						ID:        "evt-4-summary",
						ThreadID:  "lace_20250101_aaaaaa",
						Type:      EventAgentMessage,
						Timestamp: ts,
						Data:      MarshalMessageData("summary"),
					}},
				}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var decoded ThreadEvent
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.ID != tt.event.ID || decoded.ThreadID != tt.event.ThreadID || decoded.Type != tt.event.Type {
				t.Errorf("envelope mismatch: got %+v want %+v", decoded, tt.event)
			}
			if !decoded.Timestamp.Equal(tt.event.Timestamp) {
				t.Errorf("timestamp mismatch: got %v want %v", decoded.Timestamp, tt.event.Timestamp)
			}

			var gotData, wantData any
			if err := json.Unmarshal(decoded.Data, &gotData); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			if err := json.Unmarshal(tt.event.Data, &wantData); err != nil {
				t.Fatalf("decode original data: %v", err)
			}
			if !reflect.DeepEqual(gotData, wantData) {
				t.Errorf("data mismatch: got %v want %v", gotData, wantData)
			}
		})
	}
}

func TestThreadEventAccessors(t *testing.T) {
	msg := ThreadEvent{Type: EventUserMessage, Data: MarshalMessageData("hello")}
	text, err := msg.MessageText()
	if err != nil {
		t.Fatalf("MessageText: %v", err)
	}
	if text != "hello" {
		t.Errorf("MessageText = %q, want %q", text, "hello")
	}

	if _, err := msg.ToolCall(); err == nil {
		t.Error("ToolCall on a message event should fail")
	}

	call := ThreadEvent{Type: EventToolCall, Data: MarshalToolCallData(ToolCall{ID: "c1", Name: "shell"})}
	decoded, err := call.ToolCall()
	if err != nil {
		t.Fatalf("ToolCall: %v", err)
	}
	if decoded.ID != "c1" || decoded.Name != "shell" {
		t.Errorf("ToolCall = %+v", decoded)
	}

	if _, err := call.MessageText(); err == nil {
		t.Error("MessageText on a tool call event should fail")
	}
}

func TestToolResultText(t *testing.T) {
	result := ToolResult{
		ID: "c1",
		Content: []ContentBlock{
			TextBlock("one"),
			{Type: "image"},
			TextBlock(" two"),
		},
	}
	if got := result.Text(); got != "one two" {
		t.Errorf("Text() = %q, want %q", got, "one two")
	}

	var nilResult *ToolResult
	if got := nilResult.Text(); got != "" {
		t.Errorf("nil Text() = %q, want empty", got)
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("c9", "denied")
	if !res.IsError {
		t.Error("ErrorResult should set IsError")
	}
	if res.ID != "c9" || res.Text() != "denied" {
		t.Errorf("ErrorResult = %+v", res)
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, typ := range []EventType{
		EventUserMessage, EventAgentMessage, EventToolCall, EventToolResult,
		EventLocalSystemMessage, EventSystemPrompt, EventUserSystemPrompt,
		EventCompaction,
	} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if EventType("BOGUS").Valid() {
		t.Error("BOGUS should not be valid")
	}
}
