package mock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/speech"
)

// EngineConfig scripts the mock engine. With AutoReply set, every EndVoice
// produces an ASR-finish result followed by an end result built from the
// configured transcript, NLP and action.
type EngineConfig struct {
	Transcript string
	NLP        string
	Action     string
	AutoReply  bool
	// FailStart makes StartVoice return speech.InactiveSession.
	FailStart bool
	Buffer    int
}

// Call records one engine invocation. Only the fields relevant to Method are set.
type Call struct {
	Method  string
	ID      int32
	Prepare speech.PrepareOptions
	Options speech.SessionOptions
	Voice   speech.VoiceOptions
	Data    []byte
}

// Engine is an in-memory speech.Engine that records calls and returns
// injected results from Poll.
type Engine struct {
	cfg    EngineConfig
	logger *slog.Logger

	mu        sync.Mutex
	calls     []Call
	prepared  bool
	prepare   speech.PrepareOptions
	effective speech.SessionOptions
	nextID    int32

	results   chan speech.Result
	closed    chan struct{}
	closeOnce sync.Once
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Engine{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(slog.Default(), "mock_engine"),
		results: make(chan speech.Result, cfg.Buffer),
		closed:  make(chan struct{}),
	}
}

func (e *Engine) Name() string { return "mock_engine" }

func (e *Engine) record(c Call) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
}

func (e *Engine) Prepare(opts speech.PrepareOptions) error {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Method: "prepare", Prepare: opts})
	e.prepare = opts
	e.prepared = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Config(opts speech.SessionOptions) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Method: "config", Options: opts})
	e.effective = opts.Merge(e.effective)
	e.mu.Unlock()
}

func (e *Engine) StartVoice(opts speech.VoiceOptions) int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.FailStart {
		e.calls = append(e.calls, Call{Method: "start_voice", ID: speech.InactiveSession, Voice: opts})
		return speech.InactiveSession
	}
	e.nextID++
	e.calls = append(e.calls, Call{Method: "start_voice", ID: e.nextID, Voice: opts})
	return e.nextID
}

func (e *Engine) PutVoice(id int32, data []byte) {
	e.record(Call{Method: "put_voice", ID: id, Data: append([]byte(nil), data...)})
}

func (e *Engine) EndVoice(id int32) {
	e.record(Call{Method: "end_voice", ID: id})
	if !e.cfg.AutoReply {
		return
	}
	e.offer(speech.Result{Type: speech.ResultASRFinish, ID: id, ASR: e.cfg.Transcript})
	e.offer(speech.Result{Type: speech.ResultEnd, ID: id, NLP: e.cfg.NLP, Action: e.cfg.Action})
}

func (e *Engine) Cancel(id int32) {
	e.record(Call{Method: "cancel", ID: id})
}

// offer enqueues without blocking the caller.
func (e *Engine) offer(r speech.Result) {
	select {
	case e.results <- r:
	default:
		e.logger.Warn("mock_results_full", slog.String("type", r.Type.String()), slog.Int("id", int(r.ID)))
	}
}

// Emit injects a result for Poll. It blocks while the buffer is full and
// returns false once the engine is closed.
func (e *Engine) Emit(r speech.Result) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.results <- r:
		return true
	case <-e.closed:
		return false
	}
}

func (e *Engine) Poll(ctx context.Context) (speech.Result, error) {
	select {
	case r := <-e.results:
		return r, nil
	case <-ctx.Done():
		return speech.Result{}, ctx.Err()
	case <-e.closed:
		return speech.Result{}, speech.ErrEngineClosed
	}
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Calls returns a copy of the recorded calls in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Methods returns the recorded method names in order.
func (e *Engine) Methods() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.Method)
	}
	return out
}

// Prepared returns the last prepare options and whether Prepare was called.
func (e *Engine) Prepared() (speech.PrepareOptions, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepare, e.prepared
}

// Effective returns the merged session configuration.
func (e *Engine) Effective() speech.SessionOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effective
}

var _ speech.Engine = (*Engine)(nil)
