package events

import (
	"encoding/json"
	"testing"
)

func TestParseTelephonyMediaStringTimestamp(t *testing.T) {
	raw := []byte(`{"event":"media","media":{"timestamp":"1520","payload":"AAAA"}}`)
	evt, err := ParseTelephonyEvent(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if evt.Event != TelephonyMedia || evt.Media == nil {
		t.Fatalf("expected media event, got %+v", evt)
	}
	if evt.Media.Timestamp != 1520 {
		t.Fatalf("expected timestamp 1520, got %d", evt.Media.Timestamp)
	}
}

func TestParseTelephonyMediaNumericTimestamp(t *testing.T) {
	raw := []byte(`{"event":"media","media":{"timestamp":42,"payload":"AAAA"}}`)
	evt, err := ParseTelephonyEvent(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if evt.Media.Timestamp != 42 {
		t.Fatalf("expected timestamp 42, got %d", evt.Media.Timestamp)
	}
}

func TestParseTelephonyStart(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ123","callSid":"CA1"}}`)
	evt, err := ParseTelephonyEvent(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if evt.Start == nil || evt.Start.StreamSID != "MZ123" {
		t.Fatalf("expected stream sid MZ123, got %+v", evt.Start)
	}
}

func TestParseModelFunctionDone(t *testing.T) {
	raw := []byte(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"web_search","arguments":"{\"query\":\"go\"}"}`)
	evt, err := ParseModelEvent(raw)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if evt.Type != ModelFunctionDone || evt.CallID != "call_1" || evt.Name != "web_search" {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestTruncateWireShape(t *testing.T) {
	b, err := json.Marshal(NewItemTruncate("item_9", 750))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	want := `{"type":"conversation.item.truncate","item_id":"item_9","content_index":0,"audio_end_ms":750}`
	if string(b) != want {
		t.Fatalf("truncate shape mismatch:\n got %s\nwant %s", b, want)
	}
}

func TestMarkOutUsesFixedName(t *testing.T) {
	m := NewMarkOut("MZ123")
	if m.Mark.Name != MarkName {
		t.Fatalf("expected mark name %q, got %q", MarkName, m.Mark.Name)
	}
	b, _ := json.Marshal(m)
	if string(b) != `{"event":"mark","streamSid":"MZ123","mark":{"name":"responsePart"}}` {
		t.Fatalf("unexpected mark wire shape: %s", b)
	}
}
