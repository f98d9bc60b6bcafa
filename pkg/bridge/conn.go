package bridge

// Conn is the socket surface the relay needs from either side of the call.
// Both the telephony stream and the realtime model connection satisfy it;
// tests substitute scripted implementations.
//
// WriteJSON must be safe for concurrent use: tool results are delivered from
// dispatcher workers while the relay loops keep writing.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// ModelWriter is the subset of Conn the tool dispatcher needs.
type ModelWriter interface {
	WriteJSON(v any) error
}
