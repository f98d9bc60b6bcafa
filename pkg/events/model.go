package events

import "encoding/json"

// Model event types the relay reacts to. Everything else passes through
// (optionally logged) with no state change.
const (
	ModelAudioDelta    = "response.audio.delta"
	ModelSpeechStarted = "input_audio_buffer.speech_started"
	ModelFunctionDone  = "response.function_call_arguments.done"
)

// ModelEvent is the flattened inbound event from the realtime model. Only
// the fields the relay consumes are decoded; unknown types keep their Type
// for pass-through logging.
type ModelEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ParseModelEvent decodes one inbound model message.
func ParseModelEvent(raw []byte) (ModelEvent, error) {
	var evt ModelEvent
	err := json.Unmarshal(raw, &evt)
	return evt, err
}

// AudioAppend feeds caller audio into the model's input buffer.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewAudioAppend(payloadB64 string) AudioAppend {
	return AudioAppend{Type: "input_audio_buffer.append", Audio: payloadB64}
}

// ContentPart is one content element of a conversation item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Item is the inner object of a conversation.item.create command.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

// NewFunctionOutput surfaces a tool result (or error text) to the model.
func NewFunctionOutput(callID, output string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: Item{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// NewMessageItem creates a synthetic conversation message for the given role.
func NewMessageItem(role, text string) ItemCreate {
	return ItemCreate{
		Type: "conversation.item.create",
		Item: Item{
			Type: "message",
			Role: role,
			Content: []ContentPart{
				{Type: "input_text", Text: text},
			},
		},
	}
}

// ItemTruncate tells the model to treat an assistant item's audio as cut off
// at the given offset, so later context matches what the caller heard.
type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	return ItemTruncate{
		Type:       "conversation.item.truncate",
		ItemID:     itemID,
		AudioEndMS: audioEndMS,
	}
}

// ResponseCreate triggers response generation.
type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: "response.create"}
}

// TurnDetection selects the model-side voice-activity turn detector.
type TurnDetection struct {
	Type string `json:"type"`
}

// ToolSchema is one function declaration in the session configuration.
type ToolSchema struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// SessionConfig is the session.update payload sent once per call.
type SessionConfig struct {
	TurnDetection     TurnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice"`
	Instructions      string        `json:"instructions"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
	Tools             []ToolSchema  `json:"tools"`
	ToolChoice        string        `json:"tool_choice"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}
