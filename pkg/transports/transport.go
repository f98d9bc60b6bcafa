package transports

import "context"

// StreamConn is one accepted telephony media stream socket. WriteJSON is
// safe for concurrent use.
type StreamConn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// CallInfo carries per-call metadata assigned at accept time.
type CallInfo struct {
	TraceID    string
	RemoteAddr string
}

// CallHandler runs one call over an accepted stream socket. It owns the
// socket for the lifetime of the call and must close it before returning.
type CallHandler func(ctx context.Context, conn StreamConn, info CallInfo)

// Transport is a vendor-agnostic call intake boundary. Implementations
// negotiate call setup and hand each accepted media stream to the handler.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
