package speechd

import (
	"github.com/harunnryd/speechd/pkg/events"
	"github.com/harunnryd/speechd/pkg/speech"
)

// State is everything the orchestrator remembers between events.
type State struct {
	// Configuration.
	Prepared bool
	Prepare  speech.PrepareOptions
	Endpoint speech.Endpoint
	Stack    string

	// Voice session. SessionID is positive only while a session is active.
	SessionID int32
	TurenID   int32
	TraceID   string
}

// Active reports whether a voice session is open.
func (s State) Active() bool { return s.SessionID > 0 }

// Engine call names, matching the speech.Engine method they invoke.
const (
	CallPrepare    = "prepare"
	CallConfig     = "config"
	CallStartVoice = "start_voice"
	CallPutVoice   = "put_voice"
	CallEndVoice   = "end_voice"
	CallCancel     = "cancel"
)

// EngineCall is one engine invocation produced by Step. Only the fields that
// belong to Method are set.
type EngineCall struct {
	Method  string
	ID      int32
	Prepare speech.PrepareOptions
	Options speech.SessionOptions
	Voice   speech.VoiceOptions
	Data    []byte
}

// Step computes the next state and the engine calls for one decoded event.
// It does not touch the engine. On error the returned state is s and there
// are no calls.
//
// After a wake, the returned SessionID is speech.InactiveSession; the caller
// replaces it with the handle StartVoice returns.
func Step(s State, ev events.Event) (State, []EngineCall, error) {
	switch e := ev.(type) {
	case events.PrepareOptions:
		opts, ep, err := e.Options()
		if err != nil {
			return s, nil, err
		}
		next := s
		next.Prepared = true
		next.Prepare = opts
		next.Endpoint = ep
		return next, []EngineCall{{Method: CallPrepare, Prepare: opts}}, nil

	case events.SessionOptions:
		return s, []EngineCall{{Method: CallConfig, Options: e.Options()}}, nil

	case events.Stack:
		next := s
		next.Stack = e.Stack
		return next, nil, nil

	case events.Wake:
		var calls []EngineCall
		if s.Active() {
			calls = append(calls, EngineCall{Method: CallCancel, ID: s.SessionID})
		}
		calls = append(calls, EngineCall{Method: CallStartVoice, Voice: e.VoiceOptions(s.Stack)})
		next := s
		next.SessionID = speech.InactiveSession
		next.TurenID = e.TurenID
		return next, calls, nil

	case events.Voice:
		if !s.Active() {
			return s, nil, nil
		}
		return s, []EngineCall{{Method: CallPutVoice, ID: s.SessionID, Data: e.Payload}}, nil

	case events.Sleep:
		if !s.Active() {
			return s, nil, nil
		}
		next := s
		next.SessionID = speech.InactiveSession
		return next, []EngineCall{{Method: CallEndVoice, ID: s.SessionID}}, nil
	}
	return s, nil, nil
}
