package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCaptureStart ReasonCode = "capture_start"
	ReasonCaptureStop  ReasonCode = "capture_stop"
	ReasonSynthesis    ReasonCode = "synthesis"

	ReasonGatewaySend           ReasonCode = "gateway_send"
	ReasonGatewayTimeout        ReasonCode = "gateway_timeout"
	ReasonGatewayConnectionLost ReasonCode = "gateway_connection_lost"
	ReasonGatewayHandshake      ReasonCode = "gateway_handshake"
	ReasonGatewayProtocol       ReasonCode = "gateway_protocol"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"
)
