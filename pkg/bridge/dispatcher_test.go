package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/pkg/events"
	"github.com/voxbridge/voxbridge/pkg/tools"
)

// captureWriter records marshaled JSON writes in order.
type captureWriter struct {
	mu     sync.Mutex
	writes []json.RawMessage
	err    error
}

func (w *captureWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.writes = append(w.writes, json.RawMessage(b))
	return nil
}

func (w *captureWriter) Writes() []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]json.RawMessage, len(w.writes))
	copy(out, w.writes)
	return out
}

func echoRegistry(t *testing.T) *tools.FuncRegistry {
	t.Helper()
	reg := tools.NewFuncRegistry()
	must := func(err error) {
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.Register(tools.Tool{
		Name:        "echo",
		Description: "returns its single string argument",
		Handler: func(args map[string]any) (string, error) {
			s, _ := args["x"].(string)
			return s, nil
		},
	}))
	must(reg.Register(tools.Tool{
		Name:        "boom",
		Description: "always fails",
		Handler: func(map[string]any) (string, error) {
			return "", errors.New("kaput")
		},
	}))
	return reg
}

func decodeFunctionOutput(t *testing.T, raw json.RawMessage) events.ItemCreate {
	t.Helper()
	var item events.ItemCreate
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatalf("decode function output: %v", err)
	}
	return item
}

func TestDispatchEchoRoundTrip(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(echoRegistry(t), out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_1", Name: "echo", ArgsJSON: `{"x":"hi"}`, StreamID: "MZ1"})
	d.Close()

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected function output + response trigger, got %d writes", len(writes))
	}
	item := decodeFunctionOutput(t, writes[0])
	if item.Item.Type != "function_call_output" || item.Item.CallID != "call_1" {
		t.Fatalf("unexpected item: %+v", item.Item)
	}
	if item.Item.Output != "hi" {
		t.Fatalf("expected output hi, got %q", item.Item.Output)
	}
	var trigger map[string]string
	if err := json.Unmarshal(writes[1], &trigger); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if trigger["type"] != "response.create" {
		t.Fatalf("expected response.create, got %+v", trigger)
	}
}

func TestDispatchToolFailureIsContained(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(echoRegistry(t), out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_2", Name: "boom", ArgsJSON: `{}`})
	d.Close()

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected error output + response trigger, got %d writes", len(writes))
	}
	item := decodeFunctionOutput(t, writes[0])
	if item.Item.CallID != "call_2" {
		t.Fatalf("expected call_2, got %q", item.Item.CallID)
	}
	if item.Item.Output == "" || item.Item.Output == "kaput" {
		t.Fatalf("expected wrapped error description, got %q", item.Item.Output)
	}
}

func TestDispatchUnknownToolProducesNoOutput(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(echoRegistry(t), out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_3", Name: "nope", ArgsJSON: `{}`})
	d.Close()

	if got := len(out.Writes()); got != 0 {
		t.Fatalf("expected zero outbound commands for unknown tool, got %d", got)
	}
}

func TestDispatchMalformedArgumentsTreatedAsEmpty(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(echoRegistry(t), out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_4", Name: "echo", ArgsJSON: `{not json`})
	d.Close()

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected malformed args to still produce an output, got %d writes", len(writes))
	}
	item := decodeFunctionOutput(t, writes[0])
	if item.Item.Output != "" {
		t.Fatalf("expected empty echo for empty args, got %q", item.Item.Output)
	}
}

func TestDispatchTimeoutBecomesSpokenError(t *testing.T) {
	reg := tools.NewFuncRegistry()
	_ = reg.Register(tools.Tool{
		Name: "slow",
		Handler: func(map[string]any) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		},
	})
	out := &captureWriter{}
	d := NewToolDispatcher(reg, out, nil, nil, DispatcherOptions{Timeout: 10 * time.Millisecond})

	d.Dispatch(Invocation{CallID: "call_5", Name: "slow"})
	d.Close()

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected timeout output + trigger, got %d writes", len(writes))
	}
	item := decodeFunctionOutput(t, writes[0])
	if item.Item.Output == "late" {
		t.Fatalf("expected timeout error, got handler result")
	}
}

func TestDispatchNilRegistryDropsWithoutCrash(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(nil, out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_9", Name: "anything", ArgsJSON: `{}`})
	d.Close()

	if got := len(out.Writes()); got != 0 {
		t.Fatalf("expected nil registry to behave like an unknown tool, got %d writes", got)
	}
}

func TestDispatchHandlerPanicBecomesSpokenError(t *testing.T) {
	reg := tools.NewFuncRegistry()
	_ = reg.Register(tools.Tool{
		Name: "angry",
		Handler: func(map[string]any) (string, error) {
			panic("handler bug")
		},
	})
	out := &captureWriter{}
	d := NewToolDispatcher(reg, out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{CallID: "call_10", Name: "angry"})
	d.Close()

	writes := out.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected panic output + trigger, got %d writes", len(writes))
	}
	item := decodeFunctionOutput(t, writes[0])
	if item.Item.CallID != "call_10" {
		t.Fatalf("expected call_10, got %q", item.Item.CallID)
	}
	if !strings.Contains(item.Item.Output, "handler bug") {
		t.Fatalf("expected panic value in spoken error, got %q", item.Item.Output)
	}
}

func TestDispatchFullQueueAnswersWithError(t *testing.T) {
	release := make(chan struct{})
	reg := tools.NewFuncRegistry()
	_ = reg.Register(tools.Tool{
		Name: "stall",
		Handler: func(map[string]any) (string, error) {
			<-release
			return "done", nil
		},
	})
	out := &captureWriter{}
	d := NewToolDispatcher(reg, out, nil, nil, DispatcherOptions{Concurrency: 1})

	// One invocation occupies the worker; 64 fill the queue; one overflows.
	for i := 0; i < 66; i++ {
		d.Dispatch(Invocation{CallID: "call_q", Name: "stall"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		writes := out.Writes()
		if len(writes) >= 2 {
			item := decodeFunctionOutput(t, writes[0])
			if item.Item.CallID != "call_q" || !strings.Contains(item.Item.Output, "queue is full") {
				t.Fatalf("expected queue-full error output, got %+v", item.Item)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("overflow invocation never answered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	d.Close()
}

func TestDispatchDropsMissingFields(t *testing.T) {
	out := &captureWriter{}
	d := NewToolDispatcher(echoRegistry(t), out, nil, nil, DispatcherOptions{})

	d.Dispatch(Invocation{Name: "echo"})
	d.Dispatch(Invocation{CallID: "call_6"})
	d.Close()

	if got := len(out.Writes()); got != 0 {
		t.Fatalf("expected drops for missing fields, got %d writes", got)
	}
}
