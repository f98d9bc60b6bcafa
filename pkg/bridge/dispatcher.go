package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/events"
	"github.com/voxbridge/voxbridge/pkg/metrics"
	"github.com/voxbridge/voxbridge/pkg/resilience"
	"github.com/voxbridge/voxbridge/pkg/tools"
)

// Invocation is one tool-call request lifted off the model socket.
type Invocation struct {
	CallID   string
	Name     string
	ArgsJSON string
	StreamID string
}

// DispatcherOptions tunes tool execution. Timeout zero means a handler may
// run as long as it likes; the relay loops are never blocked either way.
type DispatcherOptions struct {
	Concurrency  int
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

var ErrToolTimeout = errors.New("tool timeout")

// ToolDispatcher runs capability handlers off the relay loops. Results are
// written back to the model socket as function_call_output items followed by
// a response trigger; failures become spoken-error outputs, never session
// faults. Unknown tool names are logged and dropped.
type ToolDispatcher struct {
	registry tools.Registry
	out      ModelWriter
	log      *slog.Logger
	obs      metrics.Observer
	opts     DispatcherOptions

	tasks chan Invocation
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewToolDispatcher(registry tools.Registry, out ModelWriter, log *slog.Logger, obs metrics.Observer, opts DispatcherOptions) *ToolDispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	d := &ToolDispatcher{
		registry: registry,
		out:      out,
		log:      log,
		obs:      obs,
		opts:     opts,
		tasks:    make(chan Invocation, 64),
	}
	for i := 0; i < opts.Concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch hands an invocation to the worker pool without blocking the
// relay loop. A full queue drops the call with a log entry.
func (d *ToolDispatcher) Dispatch(inv Invocation) {
	if inv.CallID == "" || inv.Name == "" {
		d.log.Warn("tool_call_missing_fields", "call_id", inv.CallID, "tool_name", inv.Name)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.tasks <- inv:
	default:
		// The model is still waiting on this call id; answer it rather
		// than leaving the turn hanging.
		d.log.Warn("tool_dispatcher_queue_full", "tool_name", inv.Name, "call_id", inv.CallID)
		d.record("tool_dropped", inv, time.Now())
		if werr := d.out.WriteJSON(events.NewFunctionOutput(inv.CallID, "Error executing function: tool queue is full")); werr != nil {
			d.log.Error("tool_result_send_failed", "tool_name", inv.Name, "error", werr.Error())
			return
		}
		if werr := d.out.WriteJSON(events.NewResponseCreate()); werr != nil {
			d.log.Error("tool_response_trigger_failed", "tool_name", inv.Name, "error", werr.Error())
		}
	}
}

// Close stops accepting work and waits for in-flight handlers to finish.
func (d *ToolDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *ToolDispatcher) worker() {
	defer d.wg.Done()
	for inv := range d.tasks {
		d.exec(inv)
	}
}

func (d *ToolDispatcher) exec(inv Invocation) {
	args := map[string]any{}
	if inv.ArgsJSON != "" {
		if err := json.Unmarshal([]byte(inv.ArgsJSON), &args); err != nil {
			d.log.Warn("tool_args_malformed", "tool_name", inv.Name, "error", err.Error())
			args = map[string]any{}
		}
	}

	started := time.Now()
	result, err := d.invoke(inv.Name, args)

	var unknown tools.ErrUnknownTool
	if errors.As(err, &unknown) {
		// Schema mismatch, not a runtime fault: no output goes back.
		d.log.Warn("tool_unknown", "tool_name", inv.Name, "call_id", inv.CallID)
		d.record("tool_unknown", inv, started)
		return
	}
	if err != nil {
		d.log.Error("tool_exec_failed", "tool_name", inv.Name, "call_id", inv.CallID, "error", err.Error())
		d.record("tool_failed", inv, started)
		result = fmt.Sprintf("Error executing function: %s", err.Error())
	} else {
		d.record("tool_invoked", inv, started)
	}

	if werr := d.out.WriteJSON(events.NewFunctionOutput(inv.CallID, result)); werr != nil {
		d.log.Error("tool_result_send_failed", "tool_name", inv.Name, "error", werr.Error())
		return
	}
	if werr := d.out.WriteJSON(events.NewResponseCreate()); werr != nil {
		d.log.Error("tool_response_trigger_failed", "tool_name", inv.Name, "error", werr.Error())
	}
}

func (d *ToolDispatcher) invoke(name string, args map[string]any) (string, error) {
	result, err := d.invokeOnce(name, args)
	if err == nil || d.opts.Retries <= 0 {
		return result, err
	}
	var unknown tools.ErrUnknownTool
	if errors.As(err, &unknown) {
		return "", err
	}
	policy := resilience.NewRetryPolicy(d.opts.Retries, d.opts.RetryBackoff)
	rerr := policy.Do(func() error {
		r, e := d.invokeOnce(name, args)
		if e == nil {
			result = r
		}
		return e
	})
	if rerr != nil {
		return "", rerr
	}
	return result, nil
}

func (d *ToolDispatcher) invokeOnce(name string, args map[string]any) (string, error) {
	if d.registry == nil {
		return "", tools.ErrUnknownTool{Name: name}
	}
	if d.opts.Timeout <= 0 {
		return d.callHandler(name, args)
	}
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := d.callHandler(name, args)
		ch <- outcome{text: text, err: err}
	}()
	select {
	case out := <-ch:
		return out.text, out.err
	case <-time.After(d.opts.Timeout):
		return "", ErrToolTimeout
	}
}

// callHandler contains panics from third-party handlers so they surface as
// spoken errors instead of killing the worker.
func (d *ToolDispatcher) callHandler(name string, args map[string]any) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panic: %v", rec)
		}
	}()
	return d.registry.Invoke(name, args)
}

func (d *ToolDispatcher) record(name string, inv Invocation, started time.Time) {
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: time.Since(started).Seconds(),
		Tags: map[string]string{
			"stream_id": inv.StreamID,
			"tool_name": inv.Name,
			"call_id":   inv.CallID,
		},
	})
}
