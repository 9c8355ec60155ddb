package events

import (
	"github.com/harunnryd/speechd/pkg/message"
)

// FinalASR is published when a session's transcript is final.
type FinalASR struct {
	Transcript string
	TurenID    int32
}

func (e FinalASR) Encode() []byte {
	return message.NewWriter().WriteString(e.Transcript).WriteInt32(e.TurenID).MustBytes()
}

func DecodeFinalASR(payload []byte) (FinalASR, error) {
	f := newFieldReader(payload)
	e := FinalASR{Transcript: f.str(), TurenID: f.i32()}
	if f.err != nil {
		return FinalASR{}, malformed("final_asr", f.err)
	}
	return e, nil
}

// NLPResult is published when a session completes with an understanding result.
type NLPResult struct {
	NLP    string
	Action string
}

func (e NLPResult) Encode() []byte {
	return message.NewWriter().WriteString(e.NLP).WriteString(e.Action).MustBytes()
}

func DecodeNLPResult(payload []byte) (NLPResult, error) {
	f := newFieldReader(payload)
	e := NLPResult{NLP: f.str(), Action: f.str()}
	if f.err != nil {
		return NLPResult{}, malformed("nlp", f.err)
	}
	return e, nil
}

// ErrorResult is published when a session fails.
type ErrorResult struct {
	Code    int32
	TurenID int32
}

func (e ErrorResult) Encode() []byte {
	return message.NewWriter().WriteInt32(e.Code).WriteInt32(e.TurenID).MustBytes()
}

func DecodeErrorResult(payload []byte) (ErrorResult, error) {
	f := newFieldReader(payload)
	e := ErrorResult{Code: f.i32(), TurenID: f.i32()}
	if f.err != nil {
		return ErrorResult{}, malformed("error", f.err)
	}
	return e, nil
}
