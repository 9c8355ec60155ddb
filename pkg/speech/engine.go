package speech

import (
	"context"
	"errors"
	"fmt"
)

// Session handle values. Handles returned by StartVoice are positive on success.
const (
	// NoSession is the handle before any session has been started.
	NoSession int32 = 0
	// InactiveSession marks a session that was ended or never started successfully.
	InactiveSession int32 = -1
)

// ErrEngineClosed is returned by Poll once the engine has been closed.
var ErrEngineClosed = errors.New("speech engine closed")

// Engine defines the contract for a stateful speech-recognition engine.
// Prepare, Config, StartVoice, PutVoice, EndVoice and Cancel must not block;
// results are delivered asynchronously through Poll.
type Engine interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Prepare establishes the engine's cloud configuration.
	Prepare(opts PrepareOptions) error
	// Config merges a partial session configuration into the effective one.
	Config(opts SessionOptions)
	// StartVoice opens a recognition session and returns its handle.
	// A non-positive handle means the session could not be started.
	StartVoice(opts VoiceOptions) int32
	// PutVoice forwards one audio frame to the session.
	PutVoice(id int32, data []byte)
	// EndVoice marks the end of audio input for the session.
	EndVoice(id int32)
	// Cancel aborts the session.
	Cancel(id int32)
	// Poll blocks until a result is available or ctx is done.
	Poll(ctx context.Context) (Result, error)
	// Close releases the engine.
	Close() error
}

type ResultType int

const (
	ResultIntermediate ResultType = iota
	ResultASRFinish
	ResultStart
	ResultEnd
	ResultCancelled
	ResultError
)

func (t ResultType) String() string {
	switch t {
	case ResultIntermediate:
		return "intermediate"
	case ResultASRFinish:
		return "asr_finish"
	case ResultStart:
		return "start"
	case ResultEnd:
		return "end"
	case ResultCancelled:
		return "cancelled"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("result(%d)", int(t))
	}
}

// ErrorCode is the engine's numeric failure code.
type ErrorCode int32

const (
	ErrNone                    ErrorCode = 0
	ErrUnauthenticated         ErrorCode = 2
	ErrConnectionExceed        ErrorCode = 3
	ErrServerResourceExhausted ErrorCode = 4
	ErrServerBusy              ErrorCode = 5
	ErrServerInternal          ErrorCode = 6
	ErrServiceUnavailable      ErrorCode = 101
	ErrSDKClosed               ErrorCode = 102
	ErrTimeout                 ErrorCode = 103
	ErrUnknown                 ErrorCode = 104
)

// Result is one asynchronous engine output. Which fields are meaningful
// depends on Type.
type Result struct {
	Type   ResultType
	ID     int32
	ASR    string
	NLP    string
	Action string
	Err    ErrorCode
}
