package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/events"
	"github.com/voxbridge/voxbridge/pkg/tools"
)

func parseModel(raw string) (events.ModelEvent, error) {
	return events.ParseModelEvent([]byte(raw))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

var errScriptClosed = errors.New("connection closed")

// scriptConn plays back a fixed inbound script and records outbound writes.
type scriptConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	writes []json.RawMessage
}

func newScriptConn(script ...string) *scriptConn {
	c := &scriptConn{
		in:   make(chan []byte, len(script)+16),
		done: make(chan struct{}),
	}
	for _, msg := range script {
		c.in <- []byte(msg)
	}
	return c
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	// Drain the script before honoring close.
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, errScriptClosed
	}
}

func (c *scriptConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, json.RawMessage(b))
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *scriptConn) Writes() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *scriptConn) writeTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, raw := range c.Writes() {
		var head struct {
			Type  string `json:"type"`
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			t.Fatalf("decode write: %v", err)
		}
		if head.Type != "" {
			types = append(types, head.Type)
		} else {
			types = append(types, head.Event)
		}
	}
	return types
}

func newTestRelay(telephony, model *scriptConn, maxDuration time.Duration) (*Relay, *Session) {
	sess := NewSession(time.Now())
	w := NewWatchdog(time.Now(), WatchdogConfig{MaxDuration: maxDuration}, nil, nil)
	w.sleep = func(time.Duration) {}
	d := NewToolDispatcher(tools.NewFuncRegistry(), model, nil, nil, DispatcherOptions{})
	return NewRelay(sess, telephony, model, w, d, nil, nil, RelayOptions{Goodbye: "Goodbye!"}), sess
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestForwardAssistantAudioEmitsMediaAndMark(t *testing.T) {
	telephony := newScriptConn()
	model := newScriptConn()
	relay, sess := newTestRelay(telephony, model, 0)
	sess.StartStream("MZ1")
	sess.SetMediaTimestamp(120)

	evt, err := parseModel(`{"type":"response.audio.delta","item_id":"item_1","delta":"` + b64("aud") + `"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !relay.forwardAssistantAudio(evt) {
		t.Fatalf("expected forward to succeed")
	}

	types := telephony.writeTypes(t)
	if len(types) != 2 || types[0] != "media" || types[1] != "mark" {
		t.Fatalf("expected media then mark, got %v", types)
	}
	var mediaOut struct {
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(telephony.Writes()[0], &mediaOut); err != nil {
		t.Fatalf("decode media: %v", err)
	}
	if mediaOut.StreamSID != "MZ1" || mediaOut.Media.Payload != b64("aud") {
		t.Fatalf("unexpected media frame: %+v", mediaOut)
	}
	if sess.PendingMarks() != 1 || !sess.HasAssistantItem() {
		t.Fatalf("expected mark queued and assistant item tracked")
	}
}

func TestBargeInSendsTruncateAndClear(t *testing.T) {
	telephony := newScriptConn()
	model := newScriptConn()
	relay, sess := newTestRelay(telephony, model, 0)
	sess.StartStream("MZ1")
	sess.SetMediaTimestamp(150)

	evt, _ := parseModel(`{"type":"response.audio.delta","item_id":"item_1","delta":"` + b64("aud") + `"}`)
	relay.forwardAssistantAudio(evt)
	sess.SetMediaTimestamp(900)

	relay.handleSpeechStarted()

	var truncate struct {
		Type       string `json:"type"`
		ItemID     string `json:"item_id"`
		AudioEndMS int64  `json:"audio_end_ms"`
	}
	modelWrites := model.Writes()
	if len(modelWrites) != 1 {
		t.Fatalf("expected one truncate command, got %d", len(modelWrites))
	}
	if err := json.Unmarshal(modelWrites[0], &truncate); err != nil {
		t.Fatalf("decode truncate: %v", err)
	}
	if truncate.Type != "conversation.item.truncate" || truncate.ItemID != "item_1" {
		t.Fatalf("unexpected truncate: %+v", truncate)
	}
	if truncate.AudioEndMS != 750 {
		t.Fatalf("expected audio_end_ms 750, got %d", truncate.AudioEndMS)
	}

	types := telephony.writeTypes(t)
	if types[len(types)-1] != "clear" {
		t.Fatalf("expected clear after barge-in, got %v", types)
	}
	if sess.PendingMarks() != 0 || sess.HasAssistantItem() {
		t.Fatalf("expected playback state reset")
	}
}

func TestBargeInNoopWithoutAssistantItem(t *testing.T) {
	telephony := newScriptConn()
	model := newScriptConn()
	relay, sess := newTestRelay(telephony, model, 0)
	sess.StartStream("MZ1")

	relay.handleSpeechStarted()

	if len(model.Writes()) != 0 || len(telephony.Writes()) != 0 {
		t.Fatalf("expected no commands for no-op barge-in")
	}
}

func TestTelephonyLoopForwardsMediaToModel(t *testing.T) {
	telephony := newScriptConn(
		`{"event":"start","start":{"streamSid":"MZ1"}}`,
		`{"event":"media","media":{"timestamp":40,"payload":"`+b64("caller")+`"}}`,
		`not json at all`,
		`{"event":"mark","mark":{"name":"responsePart"}}`,
		`{"event":"stop","stop":{"reason":"completed"}}`,
	)
	model := newScriptConn()
	relay, sess := newTestRelay(telephony, model, 0)

	relay.telephonyLoop()

	if sess.StreamID() != "MZ1" {
		t.Fatalf("expected stream MZ1, got %q", sess.StreamID())
	}
	if sess.LatestMediaTimestamp() != 40 {
		t.Fatalf("expected timestamp 40, got %d", sess.LatestMediaTimestamp())
	}
	types := model.writeTypes(t)
	if len(types) != 1 || types[0] != "input_audio_buffer.append" {
		t.Fatalf("expected one audio append, got %v", types)
	}
	if !relay.modelClosed.Load() {
		t.Fatalf("expected model closed after stop")
	}
}

func TestModelLoopDispatchesToolCalls(t *testing.T) {
	telephony := newScriptConn()
	model := newScriptConn(
		`{"type":"session.created"}`,
		`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"echo","arguments":"{\"x\":\"hi\"}"}`,
	)
	model.Close() // end of script after the two events

	sess := NewSession(time.Now())
	sess.StartStream("MZ1")
	w := NewWatchdog(time.Now(), WatchdogConfig{}, nil, nil)
	reg := tools.NewFuncRegistry()
	_ = reg.Register(tools.Tool{
		Name: "echo",
		Handler: func(args map[string]any) (string, error) {
			s, _ := args["x"].(string)
			return s, nil
		},
	})
	d := NewToolDispatcher(reg, model, nil, nil, DispatcherOptions{})
	relay := NewRelay(sess, telephony, model, w, d, nil, nil, RelayOptions{})

	relay.modelLoop()
	d.Close()

	types := model.writeTypes(t)
	if len(types) != 2 || types[0] != "conversation.item.create" || types[1] != "response.create" {
		t.Fatalf("expected tool output then response trigger, got %v", types)
	}
}

func TestWatchdogExpiryStopsLoopAndSpeaksGoodbye(t *testing.T) {
	telephony := newScriptConn(
		`{"event":"media","media":{"timestamp":20,"payload":"`+b64("x")+`"}}`,
		`{"event":"media","media":{"timestamp":40,"payload":"`+b64("y")+`"}}`,
	)
	model := newScriptConn()
	relay, sess := newTestRelay(telephony, model, time.Nanosecond)
	sess.StartStream("MZ1")

	relay.telephonyLoop()

	if !sess.Terminated() {
		t.Fatalf("expected session terminated")
	}
	types := model.writeTypes(t)
	if len(types) != 2 || types[0] != "conversation.item.create" || types[1] != "response.create" {
		t.Fatalf("expected goodbye item + response trigger, got %v", types)
	}
	var goodbye struct {
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(model.Writes()[0], &goodbye); err != nil {
		t.Fatalf("decode goodbye: %v", err)
	}
	if goodbye.Item.Role != "assistant" || len(goodbye.Item.Content) != 1 || goodbye.Item.Content[0].Text != "Goodbye!" {
		t.Fatalf("unexpected goodbye item: %+v", goodbye.Item)
	}

	// The other loop observes the expired state without a second goodbye.
	model2 := newScriptConn(`{"type":"session.created"}`)
	relay.model = model2
	relay.modelLoop()
	if len(model2.Writes()) != 0 {
		t.Fatalf("expected no duplicate goodbye")
	}
}

func TestRunTearsDownBothSockets(t *testing.T) {
	telephony := newScriptConn(`{"event":"start","start":{"streamSid":"MZ1"}}`)
	model := newScriptConn()
	relay, _ := newTestRelay(telephony, model, 0)

	done := make(chan struct{})
	go func() {
		_ = relay.Run(testContext(t))
		close(done)
	}()

	// Caller hangs up: the model side must be torn down too.
	telephony.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop after telephony close")
	}
	select {
	case <-model.done:
	case <-time.After(time.Second):
		t.Fatalf("model socket left open against a dead peer")
	}
}
