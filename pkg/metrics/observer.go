// Package metrics carries orchestrator events to pluggable observers. Recording
// must never block the dispatch or poll goroutines; wrap slow observers in an
// AsyncObserver.
package metrics

import "time"

// Event names.
const (
	EventMessageIn        = "message_in"
	EventMessageMalformed = "message_malformed"
	EventMessageUnknown   = "message_unknown_topic"
	EventPrepareApplied   = "prepare_applied"
	EventOptionsApplied   = "options_applied"
	EventSessionStarted   = "session_started"
	EventSessionCancelled = "session_cancelled"
	EventSessionEnded     = "session_ended"
	EventSessionFailed    = "session_start_failed"
	EventVoiceForwarded   = "voice_forwarded"
	EventVoiceDropped     = "voice_dropped"
	EventResult           = "engine_result"
	EventPublish          = "result_published"
	EventPublishSkipped   = "publish_skipped"
	EventPublishFailed    = "publish_failed"
	EventReconnectSignal  = "reconnect_signaled"
	EventReconnected      = "transport_reconnected"
	EventGateOpened       = "gate_opened"
)

// Tag keys.
const (
	TagTopic   = "topic"
	TagTraceID = "trace_id"
	TagTurenID = "turen_id"
	TagResult  = "result"
	TagReason  = "reason"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// NewEvent stamps an event with the current time and a value of 1.
func NewEvent(name string, tags map[string]string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags}
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe RecordEvent.
func Record(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(NewEvent(name, tags))
}
