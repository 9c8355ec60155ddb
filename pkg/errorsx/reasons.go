package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonMalformedMessage ReasonCode = "malformed_message"
	ReasonUnknownTopic     ReasonCode = "unknown_topic"
	ReasonInvalidEndpoint  ReasonCode = "invalid_endpoint"

	ReasonEnginePrepare ReasonCode = "engine_prepare"
	ReasonEngineConnect ReasonCode = "engine_connect"
	ReasonEngineSend    ReasonCode = "engine_send"

	ReasonTransportConnect  ReasonCode = "transport_connect"
	ReasonTransportConnLost ReasonCode = "transport_conn_lost"
	ReasonTransportSend     ReasonCode = "transport_send"
)
