// Package events defines the bus topics this service speaks and one value
// type per event, together with strict decoders for inbound payloads and
// encoders for outbound ones.
//
// Every decoder is all-or-nothing: fields are read in schema order and the
// first one that fails rejects the whole message. Nothing decoded before the
// failure is returned.
package events

import (
	"fmt"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/message"
	"github.com/harunnryd/speechd/pkg/speech"
)

// Default topic names.
const (
	TopicPrepareOptions = "rokid.speech.prepare_options"
	TopicSessionOptions = "rokid.speech.options"
	TopicStack          = "rokid.speech.stack"
	TopicWake           = "rokid.turen.awake"
	TopicVoice          = "rokid.turen.voice"
	TopicSleep          = "rokid.turen.sleep"

	TopicFinalASR = "rokid.speech.final_asr"
	TopicNLP      = "rokid.speech.nlp"
	TopicError    = "rokid.speech.error"
)

// Kind identifies an inbound event type independent of its topic name.
type Kind string

const (
	KindPrepareOptions Kind = "prepare_options"
	KindSessionOptions Kind = "session_options"
	KindStack          Kind = "stack"
	KindWake           Kind = "wake"
	KindVoice          Kind = "voice"
	KindSleep          Kind = "sleep"
)

// Kinds lists every inbound kind.
var Kinds = []Kind{KindPrepareOptions, KindSessionOptions, KindStack, KindWake, KindVoice, KindSleep}

// Event is implemented by every decoded inbound event.
type Event interface {
	Kind() Kind
}

// PrepareOptions carries the engine connection settings.
type PrepareOptions struct {
	URI            string
	Key            string
	DeviceTypeID   string
	Secret         string
	DeviceID       string
	ReconnInterval int32
	PingInterval   int32
	NoRespTimeout  int32
}

func (PrepareOptions) Kind() Kind { return KindPrepareOptions }

// Options resolves the endpoint and overlays the positive intervals onto the
// engine defaults. An empty URI selects speech.DefaultEndpoint.
func (e PrepareOptions) Options() (speech.PrepareOptions, speech.Endpoint, error) {
	uri := e.URI
	if uri == "" {
		uri = speech.DefaultEndpoint
	}
	ep, err := speech.ParseEndpoint(uri)
	if err != nil {
		return speech.PrepareOptions{}, speech.Endpoint{}, err
	}
	opts := speech.NewPrepareOptions()
	opts.Apply(ep)
	opts.Key = e.Key
	opts.DeviceTypeID = e.DeviceTypeID
	opts.Secret = e.Secret
	opts.DeviceID = e.DeviceID
	if e.ReconnInterval > 0 {
		opts.ReconnInterval = e.ReconnInterval
	}
	if e.PingInterval > 0 {
		opts.PingInterval = e.PingInterval
	}
	if e.NoRespTimeout > 0 {
		opts.NoRespTimeout = e.NoRespTimeout
	}
	return opts, ep, nil
}

// SessionOptions carries a partial session configuration. A negative value in
// any field means "leave unchanged".
type SessionOptions struct {
	Lang              int32
	Codec             int32
	VadMode           int32
	VadTimeout        int32
	NoNLP             int32
	NoIntermediateASR int32
	VadBegin          int32
}

func (SessionOptions) Kind() Kind { return KindSessionOptions }

// Options builds the engine update, setting only the non-negative fields.
// The VAD timeout travels with the VAD mode and is ignored when the mode is negative.
func (e SessionOptions) Options() speech.SessionOptions {
	var opts speech.SessionOptions
	if e.Lang >= 0 {
		opts.SetLang(speech.Lang(e.Lang))
	}
	if e.Codec >= 0 {
		opts.SetCodec(speech.Codec(e.Codec))
	}
	if e.VadMode >= 0 {
		timeout := e.VadTimeout
		if timeout < 0 {
			timeout = 0
		}
		opts.SetVadMode(speech.VadMode(e.VadMode), uint32(timeout))
	}
	if e.NoNLP >= 0 {
		opts.SetNoNLP(e.NoNLP != 0)
	}
	if e.NoIntermediateASR >= 0 {
		opts.SetNoIntermediateASR(e.NoIntermediateASR != 0)
	}
	if e.VadBegin >= 0 {
		opts.SetVadBegin(uint32(e.VadBegin))
	}
	return opts
}

// Stack names the speech stack used by later wake events.
type Stack struct {
	Stack string
}

func (Stack) Kind() Kind { return KindStack }

// Wake requests a new recognition session.
type Wake struct {
	VoiceTrigger  string
	TriggerStart  int32
	TriggerLength int32
	TriggerPower  float64
	CloudConfirm  int32
	TurenID       int32
}

func (Wake) Kind() Kind { return KindWake }

// VoiceOptions builds the session request for the given stack.
func (e Wake) VoiceOptions(stack string) speech.VoiceOptions {
	return speech.VoiceOptions{
		Stack:                 stack,
		VoiceTrigger:          e.VoiceTrigger,
		TriggerStart:          e.TriggerStart,
		TriggerLength:         e.TriggerLength,
		VoicePower:            e.TriggerPower,
		TriggerConfirmByCloud: e.CloudConfirm != 0,
	}
}

// Voice carries one raw audio frame.
type Voice struct {
	Payload []byte
}

func (Voice) Kind() Kind { return KindVoice }

// Sleep ends the active session.
type Sleep struct{}

func (Sleep) Kind() Kind { return KindSleep }

func malformed(kind Kind, err error) error {
	return errorsx.Wrap(fmt.Errorf("invalid %s message: %w", kind, err), errorsx.ReasonMalformedMessage)
}

// fieldReader threads the first read error through a chain of reads so a
// decoder can read every field and check once.
type fieldReader struct {
	r   *message.Reader
	err error
}

func newFieldReader(payload []byte) *fieldReader {
	return &fieldReader{r: message.NewReader(payload)}
}

func (f *fieldReader) str() string {
	if f.err != nil {
		return ""
	}
	var v string
	v, f.err = f.r.ReadString()
	return v
}

func (f *fieldReader) i32() int32 {
	if f.err != nil {
		return 0
	}
	var v int32
	v, f.err = f.r.ReadInt32()
	return v
}

func (f *fieldReader) f64() float64 {
	if f.err != nil {
		return 0
	}
	var v float64
	v, f.err = f.r.ReadFloat64()
	return v
}

func (f *fieldReader) bin() []byte {
	if f.err != nil {
		return nil
	}
	var v []byte
	v, f.err = f.r.ReadBinary()
	return v
}

func DecodePrepareOptions(payload []byte) (PrepareOptions, error) {
	f := newFieldReader(payload)
	e := PrepareOptions{
		URI:            f.str(),
		Key:            f.str(),
		DeviceTypeID:   f.str(),
		Secret:         f.str(),
		DeviceID:       f.str(),
		ReconnInterval: f.i32(),
		PingInterval:   f.i32(),
		NoRespTimeout:  f.i32(),
	}
	if f.err != nil {
		return PrepareOptions{}, malformed(KindPrepareOptions, f.err)
	}
	return e, nil
}

func DecodeSessionOptions(payload []byte) (SessionOptions, error) {
	f := newFieldReader(payload)
	e := SessionOptions{
		Lang:              f.i32(),
		Codec:             f.i32(),
		VadMode:           f.i32(),
		VadTimeout:        f.i32(),
		NoNLP:             f.i32(),
		NoIntermediateASR: f.i32(),
		VadBegin:          f.i32(),
	}
	if f.err != nil {
		return SessionOptions{}, malformed(KindSessionOptions, f.err)
	}
	return e, nil
}

func DecodeStack(payload []byte) (Stack, error) {
	f := newFieldReader(payload)
	e := Stack{Stack: f.str()}
	if f.err != nil {
		return Stack{}, malformed(KindStack, f.err)
	}
	return e, nil
}

func DecodeWake(payload []byte) (Wake, error) {
	f := newFieldReader(payload)
	e := Wake{
		VoiceTrigger:  f.str(),
		TriggerStart:  f.i32(),
		TriggerLength: f.i32(),
		TriggerPower:  f.f64(),
		CloudConfirm:  f.i32(),
		TurenID:       f.i32(),
	}
	if f.err != nil {
		return Wake{}, malformed(KindWake, f.err)
	}
	return e, nil
}

func DecodeVoice(payload []byte) (Voice, error) {
	f := newFieldReader(payload)
	e := Voice{Payload: f.bin()}
	if f.err != nil {
		return Voice{}, malformed(KindVoice, f.err)
	}
	return e, nil
}

// DecodeSleep accepts any payload; sleep has no fields.
func DecodeSleep([]byte) (Sleep, error) {
	return Sleep{}, nil
}

// Decode dispatches on kind. It is a convenience for tools and tests; the
// orchestrator calls the typed decoders directly.
func Decode(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindPrepareOptions:
		return DecodePrepareOptions(payload)
	case KindSessionOptions:
		return DecodeSessionOptions(payload)
	case KindStack:
		return DecodeStack(payload)
	case KindWake:
		return DecodeWake(payload)
	case KindVoice:
		return DecodeVoice(payload)
	case KindSleep:
		return DecodeSleep(payload)
	default:
		return nil, errorsx.Errorf(errorsx.ReasonUnknownTopic, "unknown event kind %q", kind)
	}
}
