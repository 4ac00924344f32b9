package message

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUnmarshalNumericTimestamp(t *testing.T) {
	raw := `{"type":"answer","timestamp":1756700000123,"message":"done","workstream_id":"ws-1"}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m.TS != 1756700000123 {
		t.Errorf("expected ts 1756700000123, got %d", m.TS)
	}
	if m.Kind != KindAnswer {
		t.Errorf("expected kind answer, got %s", m.Kind)
	}
	if m.WorkstreamID != "ws-1" {
		t.Errorf("expected workstream ws-1, got %s", m.WorkstreamID)
	}
}

func TestUnmarshalISOTimestamp(t *testing.T) {
	raw := `{"type":"thought","timestamp":"2026-09-01T08:30:00.500Z","message":"thinking"}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	want := time.Date(2026, 9, 1, 8, 30, 0, 500_000_000, time.UTC).UnixMilli()
	if m.TS != want {
		t.Errorf("expected ts %d, got %d", want, m.TS)
	}
	if m.WorkstreamID != DefaultWorkstream {
		t.Errorf("expected default workstream, got %s", m.WorkstreamID)
	}
}

func TestNormalizeTimestampEquivalence(t *testing.T) {
	// 同一时刻的数值与字符串形态必须归一化到同一毫秒值
	numeric := NormalizeTimestamp(json.RawMessage(`1788251400000`))
	iso := NormalizeTimestamp(json.RawMessage(`"2026-09-01T08:30:00Z"`))
	if numeric != iso {
		t.Errorf("numeric %d != iso %d", numeric, iso)
	}
}

func TestNormalizeTimestampInvalid(t *testing.T) {
	for _, raw := range []string{`null`, `""`, `"not-a-time"`, ``} {
		if got := NormalizeTimestamp(json.RawMessage(raw)); got != 0 {
			t.Errorf("raw %q: expected 0, got %d", raw, got)
		}
	}
}

func TestUnmarshalStructuredPayload(t *testing.T) {
	raw := `{"type":"update","timestamp":1,"message":{"step":2,"total":5}}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if m.Text != `{"step":2,"total":5}` {
		t.Errorf("expected compact json payload, got %q", m.Text)
	}
}

func TestDecodeDetailsExtra(t *testing.T) {
	d := DecodeDetails(map[string]any{
		"activity_id": "act-1",
		"is_final":    true,
		"custom_key":  "custom_value",
	})
	if d.ActivityID != "act-1" {
		t.Errorf("expected activity_id lifted, got %q", d.ActivityID)
	}
	if !d.IsFinal {
		t.Error("expected is_final true")
	}
	if d.Extra["custom_key"] != "custom_value" {
		t.Errorf("expected custom_key in extra, got %v", d.Extra)
	}
}

func TestDecodeDetailsFiles(t *testing.T) {
	d := DecodeDetails(map[string]any{
		"system_type": "file_processing",
		"files": []any{
			map[string]any{"id": "f-2", "name": "b.txt", "status": "done"},
			map[string]any{"id": "f-1", "name": "a.txt", "status": "processing"},
			map[string]any{"name": "no-id.txt"},
		},
	})
	if len(d.Files) != 2 {
		t.Fatalf("expected 2 files (no-id dropped), got %d", len(d.Files))
	}
	if d.Files[0].ID != "f-1" || d.Files[1].ID != "f-2" {
		t.Errorf("expected files sorted by id, got %+v", d.Files)
	}
}

func TestCorrelationKey(t *testing.T) {
	tests := []struct {
		name string
		d    Details
		want string
	}{
		{"activity_id wins", Details{ActivityID: "a", StreamingID: "s"}, "a"},
		{"streaming_id fallback", Details{StreamingID: "s"}, "s"},
		{"neither", Details{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Details: tt.d}
			if got := m.CorrelationKey(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		want Category
	}{
		{"stream chunk", Message{Kind: KindStreamChunk, Text: "Hel"}, CategoryStreamChunk},
		{"file status", Message{Kind: KindSystem, Details: Details{SystemType: SystemTypeFileProcessing, Files: []FileStatus{{ID: "f"}}}}, CategoryFileStatus},
		{"system without files ignored", Message{Kind: KindSystem, Details: Details{SystemType: SystemTypeFileProcessing}}, CategoryIgnore},
		{"complete terminal", Message{Kind: KindComplete, Text: "done"}, CategoryTerminal},
		{"idle terminal", Message{Kind: KindIdle}, CategoryTerminal},
		{"terminated terminal", Message{Kind: KindTerminated}, CategoryTerminal},
		{"request_input terminal", Message{Kind: KindRequestInput, Text: "need input"}, CategoryTerminal},
		{"tool thought", Message{Kind: KindThought, Text: "running ls", Details: Details{ToolName: "shell"}}, CategoryToolActivity},
		{"tool preamble", Message{Kind: KindThought, Text: "about to call", Details: Details{ToolPreamble: true}}, CategoryToolActivity},
		{"plain thought", Message{Kind: KindThought, Text: "pondering"}, CategoryContent},
		{"answer content", Message{Kind: KindAnswer, Text: "42"}, CategoryContent},
		{"empty payload ignored", Message{Kind: KindUpdate, Text: "   "}, CategoryIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.m); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInsertsIntoTimeline(t *testing.T) {
	if !InsertsIntoTimeline(CategoryContent) || !InsertsIntoTimeline(CategoryTerminal) || !InsertsIntoTimeline(CategoryToolActivity) {
		t.Error("content, terminal and tool activity should insert")
	}
	if InsertsIntoTimeline(CategoryStreamChunk) || InsertsIntoTimeline(CategoryIgnore) || InsertsIntoTimeline(CategoryFileStatus) {
		t.Error("stream chunks, file status and ignored messages should not insert")
	}
}
