package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonTelephonyRead  ReasonCode = "telephony_read"
	ReasonTelephonySend  ReasonCode = "telephony_send"
	ReasonTelephonyClose ReasonCode = "telephony_close"

	ReasonModelConnect ReasonCode = "model_connect"
	ReasonModelRead    ReasonCode = "model_read"
	ReasonModelSend    ReasonCode = "model_send"
	ReasonModelInit    ReasonCode = "model_init"

	ReasonToolExec    ReasonCode = "tool_exec"
	ReasonToolTimeout ReasonCode = "tool_timeout"
	ReasonToolUnknown ReasonCode = "tool_unknown"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
