package events

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Telephony event names on the media stream socket.
const (
	TelephonyStart = "start"
	TelephonyMedia = "media"
	TelephonyMark  = "mark"
	TelephonyStop  = "stop"
)

// MarkName is the playback-acknowledgement token attached to every outbound
// audio chunk and echoed back by the telephony side once delivered.
const MarkName = "responsePart"

// Milliseconds decodes a timestamp that arrives either as a JSON number or
// as a quoted string (Twilio sends media timestamps as strings).
type Milliseconds int64

func (m *Milliseconds) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = Milliseconds(v)
	return nil
}

type StartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
	From      string `json:"from,omitempty"`
}

type MediaPayload struct {
	Timestamp Milliseconds `json:"timestamp"`
	Payload   string       `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type StopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TelephonyEvent is the tagged inbound variant on the telephony socket.
type TelephonyEvent struct {
	Event string        `json:"event"`
	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// ParseTelephonyEvent decodes one inbound telephony message.
func ParseTelephonyEvent(raw []byte) (TelephonyEvent, error) {
	var evt TelephonyEvent
	err := json.Unmarshal(raw, &evt)
	return evt, err
}

// MediaOut is an outbound audio chunk for the caller, tagged with the stream.
type MediaOut struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaOutBody `json:"media"`
}

type MediaOutBody struct {
	Payload string `json:"payload"`
}

func NewMediaOut(streamSID, payloadB64 string) MediaOut {
	return MediaOut{
		Event:     TelephonyMedia,
		StreamSID: streamSID,
		Media:     MediaOutBody{Payload: payloadB64},
	}
}

// MarkOut asks the telephony side to echo an acknowledgement once buffered
// audio up to this point has been played.
type MarkOut struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

func NewMarkOut(streamSID string) MarkOut {
	return MarkOut{
		Event:     TelephonyMark,
		StreamSID: streamSID,
		Mark:      MarkPayload{Name: MarkName},
	}
}

// ClearOut discards any buffered-but-unplayed audio on the telephony side.
type ClearOut struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func NewClearOut(streamSID string) ClearOut {
	return ClearOut{Event: "clear", StreamSID: streamSID}
}
