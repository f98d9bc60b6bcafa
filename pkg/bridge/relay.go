package bridge

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/pkg/events"
	"github.com/voxbridge/voxbridge/pkg/metrics"
)

// defaultLogEventTypes are model events passed through to the log with no
// state change.
var defaultLogEventTypes = []string{
	"error",
	"session.created",
	"response.done",
	"response.content.done",
	"response.output_item.added",
	"response.function_call_arguments.done",
	"input_audio_buffer.committed",
	"input_audio_buffer.speech_started",
	"input_audio_buffer.speech_stopped",
	"rate_limits.updated",
}

// RelayOptions configures one call's relay.
type RelayOptions struct {
	// Goodbye is the localized line spoken when the watchdog expires.
	Goodbye string
	// LogEventTypes overrides the pass-through model event log set.
	LogEventTypes []string
}

// Relay owns both sockets of one call and runs the two forwarding loops:
// telephony to model and model to telephony. Barge-in handling and tool
// dispatch run inside the model loop; the watchdog is consulted by both
// loops before each event.
type Relay struct {
	sess       *Session
	telephony  Conn
	model      Conn
	watchdog   *Watchdog
	dispatcher *ToolDispatcher
	log        *slog.Logger
	obs        metrics.Observer
	audioObs   metrics.Observer
	goodbye    string
	logTypes   map[string]struct{}

	modelClosed   atomic.Bool
	modelCloseOne sync.Once
}

func NewRelay(sess *Session, telephony, model Conn, watchdog *Watchdog, dispatcher *ToolDispatcher, log *slog.Logger, obs metrics.Observer, opts RelayOptions) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	logTypes := opts.LogEventTypes
	if logTypes == nil {
		logTypes = defaultLogEventTypes
	}
	set := make(map[string]struct{}, len(logTypes))
	for _, t := range logTypes {
		set[t] = struct{}{}
	}
	return &Relay{
		sess:       sess,
		telephony:  telephony,
		model:      model,
		watchdog:   watchdog,
		dispatcher: dispatcher,
		log:        log,
		obs:        obs,
		// Audio deltas arrive every few tens of milliseconds; sample them
		// so the sink sees throughput without the flood.
		audioObs: metrics.NewSamplingObserver(obs, 0.02),
		goodbye:  opts.Goodbye,
		logTypes: set,
	}
}

// Run drives both loops until either socket closes, the watchdog expires,
// or ctx is cancelled. Teardown of one side always propagates to the other;
// no loop is left running against a dead peer.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.obs.RecordEvent(metrics.MetricsEvent{Name: "call_started", Time: time.Now()})

	go func() {
		<-ctx.Done()
		r.sess.Terminate()
		_ = r.telephony.Close()
		r.closeModel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		r.telephonyLoop()
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.modelLoop()
	}()
	wg.Wait()

	r.dispatcher.Close()
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name: "call_ended",
		Time: time.Now(),
		Tags: map[string]string{"stream_id": r.sess.StreamID()},
	})
	return nil
}

// telephonyLoop consumes caller-side events in arrival order and feeds
// audio into the model's input buffer.
func (r *Relay) telephonyLoop() {
	for {
		raw, err := r.telephony.ReadMessage()
		if err != nil {
			r.log.Info("telephony_disconnected")
			r.closeModel()
			return
		}
		if r.watchdog.Check(r.sendGoodbye) {
			r.sess.Terminate()
			return
		}
		if r.sess.Terminated() {
			return
		}
		evt, err := events.ParseTelephonyEvent(raw)
		if err != nil {
			r.log.Warn("telephony_event_malformed", "error", err.Error())
			continue
		}
		switch evt.Event {
		case events.TelephonyStart:
			if evt.Start == nil {
				continue
			}
			r.sess.StartStream(evt.Start.StreamSID)
			r.log.Info("stream_started", "stream_id", evt.Start.StreamSID)
		case events.TelephonyMedia:
			if evt.Media == nil {
				continue
			}
			r.sess.SetMediaTimestamp(int64(evt.Media.Timestamp))
			if r.modelClosed.Load() {
				continue
			}
			if err := r.model.WriteJSON(events.NewAudioAppend(evt.Media.Payload)); err != nil {
				r.log.Warn("model_audio_append_failed", "error", err.Error())
				r.closeModel()
			}
		case events.TelephonyMark:
			r.sess.PopMark()
		case events.TelephonyStop:
			r.log.Info("stream_stopped", "stream_id", r.sess.StreamID())
			r.closeModel()
			return
		}
	}
}

// modelLoop consumes model events in arrival order, forwarding assistant
// audio to the caller and reacting to speech-start and tool-call events.
// Malformed events are dropped; only an unusable socket ends the loop.
func (r *Relay) modelLoop() {
	for {
		raw, err := r.model.ReadMessage()
		if err != nil {
			r.modelClosed.Store(true)
			r.log.Info("model_disconnected")
			return
		}
		if r.watchdog.Check(r.sendGoodbye) {
			r.sess.Terminate()
			return
		}
		if r.sess.Terminated() {
			return
		}
		evt, err := events.ParseModelEvent(raw)
		if err != nil {
			r.log.Warn("model_event_malformed", "error", err.Error())
			continue
		}
		if _, ok := r.logTypes[evt.Type]; ok {
			r.log.Debug("model_event", "type", evt.Type)
		}
		switch evt.Type {
		case events.ModelAudioDelta:
			if evt.Delta == "" {
				continue
			}
			if !r.forwardAssistantAudio(evt) {
				return
			}
		case events.ModelFunctionDone:
			r.dispatcher.Dispatch(Invocation{
				CallID:   evt.CallID,
				Name:     evt.Name,
				ArgsJSON: evt.Arguments,
				StreamID: r.sess.StreamID(),
			})
		case events.ModelSpeechStarted:
			r.handleSpeechStarted()
		}
	}
}

// forwardAssistantAudio relays one audio delta to the caller and does the
// utterance bookkeeping: pin the response start on the first chunk, track
// the spoken item, and emit a playback mark. Returns false when the
// telephony socket is unusable.
func (r *Relay) forwardAssistantAudio(evt events.ModelEvent) bool {
	payload, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil {
		r.log.Warn("model_audio_delta_malformed", "error", err.Error())
		return true
	}
	streamID := r.sess.StreamID()
	out := events.NewMediaOut(streamID, base64.StdEncoding.EncodeToString(payload))
	if err := r.telephony.WriteJSON(out); err != nil {
		r.log.Warn("telephony_media_send_failed", "error", err.Error())
		return false
	}
	r.sess.BeginAssistantAudio(evt.ItemID)
	r.audioObs.RecordEvent(metrics.MetricsEvent{
		Name:  "audio_out",
		Time:  time.Now(),
		Value: float64(len(payload)),
		Tags:  map[string]string{"stream_id": streamID},
	})
	if streamID != "" {
		if err := r.telephony.WriteJSON(events.NewMarkOut(streamID)); err != nil {
			r.log.Warn("telephony_mark_send_failed", "error", err.Error())
			return false
		}
		r.sess.PushMark()
	}
	return true
}

// handleSpeechStarted is the barge-in path: the caller started talking
// while an assistant utterance may still be playing. Truncate the model's
// view of the utterance to what was actually heard and flush the caller's
// playback buffer.
func (r *Relay) handleSpeechStarted() {
	if !r.sess.HasAssistantItem() {
		return
	}
	streamID := r.sess.StreamID()
	itemID, elapsedMS, ok := r.sess.Interrupt()
	if !ok {
		return
	}
	r.log.Info("barge_in", "item_id", itemID, "audio_end_ms", elapsedMS)
	if itemID != "" {
		if err := r.model.WriteJSON(events.NewItemTruncate(itemID, elapsedMS)); err != nil {
			r.log.Warn("model_truncate_failed", "error", err.Error())
		}
	}
	if err := r.telephony.WriteJSON(events.NewClearOut(streamID)); err != nil {
		r.log.Warn("telephony_clear_failed", "error", err.Error())
	}
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "barge_in",
		Time:  time.Now(),
		Value: float64(elapsedMS),
		Tags:  map[string]string{"stream_id": streamID},
	})
}

// sendGoodbye synthesizes the watchdog's farewell on the model side so the
// assistant speaks it before the loops stop. Reports whether the message
// was actually delivered.
func (r *Relay) sendGoodbye() bool {
	if r.sess.StreamID() == "" || r.goodbye == "" {
		return false
	}
	if r.modelClosed.Load() {
		return false
	}
	if err := r.model.WriteJSON(events.NewMessageItem("assistant", r.goodbye)); err != nil {
		r.log.Warn("goodbye_send_failed", "error", err.Error())
		return false
	}
	if err := r.model.WriteJSON(events.NewResponseCreate()); err != nil {
		r.log.Warn("goodbye_trigger_failed", "error", err.Error())
		return false
	}
	return true
}

func (r *Relay) closeModel() {
	r.modelCloseOne.Do(func() {
		r.modelClosed.Store(true)
		_ = r.model.Close()
	})
}
