package deepgram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/speechd/pkg/errorsx"
	"github.com/harunnryd/speechd/pkg/logging"
	"github.com/harunnryd/speechd/pkg/redact"
	"github.com/harunnryd/speechd/pkg/speech"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Deepgram rejects utterance_end_ms below one second.
const minUtteranceEndMs = 1000

type Config struct {
	// APIKey is used when the prepare options carry no key.
	APIKey string
	// Host overrides the SDK default host. When empty and UsePrepareHost is
	// set, the host from the prepare endpoint is used instead.
	Host           string
	UsePrepareHost bool
	Model          string
	SampleRate     int
	// FlushTimeout bounds how long a session waits for trailing transcripts
	// after EndVoice before it is finished.
	FlushTimeout time.Duration
	FrameBuffer  int
	ResultBuffer int
}

// Engine implements speech.Engine on Deepgram live transcription, one
// websocket connection per voice session.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	prepare   speech.PrepareOptions
	prepared  bool
	effective speech.SessionOptions
	sessions  map[int32]*session
	nextID    int32

	results   chan speech.Result
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 256
	}
	var defaults speech.SessionOptions
	defaults.SetLang(speech.LangZH)
	defaults.SetCodec(speech.CodecPCM)
	defaults.SetVadMode(speech.VadLocal, 0)
	return &Engine{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(slog.Default(), "deepgram_engine"),
		effective: defaults,
		sessions:  make(map[int32]*session),
		results:   make(chan speech.Result, cfg.ResultBuffer),
		closed:    make(chan struct{}),
	}
}

func (e *Engine) Name() string { return "deepgram_engine" }

func (e *Engine) Prepare(opts speech.PrepareOptions) error {
	key := opts.Key
	if key == "" {
		key = e.cfg.APIKey
	}
	if key == "" {
		return errorsx.Errorf(errorsx.ReasonEnginePrepare, "deepgram: no api key in prepare options or settings")
	}
	opts.Key = key
	e.mu.Lock()
	e.prepare = opts
	e.prepared = true
	e.mu.Unlock()

	e.logger.Info("deepgram_prepared",
		slog.String("host", e.host(opts)),
		slog.String("key", redact.Secret(key)),
		slog.String("device_id", opts.DeviceID),
		slog.Int("ping_interval_ms", int(opts.PingInterval)),
		slog.Int("no_resp_timeout_ms", int(opts.NoRespTimeout)))
	return nil
}

func (e *Engine) host(opts speech.PrepareOptions) string {
	if e.cfg.Host != "" {
		return e.cfg.Host
	}
	if e.cfg.UsePrepareHost && opts.Host != "" {
		if opts.Port > 0 && opts.Port != 443 {
			return opts.Host + ":" + strconv.Itoa(opts.Port)
		}
		return opts.Host
	}
	return ""
}

func (e *Engine) Config(opts speech.SessionOptions) {
	e.mu.Lock()
	e.effective = opts.Merge(e.effective)
	eff := e.effective
	e.mu.Unlock()
	e.logger.Debug("deepgram_config",
		slog.Any("changed", opts.Changed()),
		slog.String("lang", eff.Lang.String()),
		slog.String("codec", eff.Codec.String()),
		slog.String("vad_mode", eff.VadMode.String()))
}

func (e *Engine) StartVoice(opts speech.VoiceOptions) int32 {
	e.mu.Lock()
	if !e.prepared {
		e.mu.Unlock()
		e.logger.Warn("deepgram_start_before_prepare")
		return speech.InactiveSession
	}
	select {
	case <-e.closed:
		e.mu.Unlock()
		return speech.InactiveSession
	default:
	}
	e.nextID++
	s := &session{
		id:        e.nextID,
		engine:    e,
		effective: e.effective,
		frames:    make(chan []byte, e.cfg.FrameBuffer),
		finished:  make(chan struct{}),
	}
	e.sessions[s.id] = s
	prep := e.prepare
	e.mu.Unlock()

	e.logger.Info("deepgram_session_start",
		slog.Int("id", int(s.id)),
		slog.String("stack", opts.Stack),
		slog.String("trigger", opts.VoiceTrigger))

	go s.run(e.clientOptions(prep), TranscriptionOptions(e.cfg, s.effective))
	return s.id
}

func (e *Engine) clientOptions(prep speech.PrepareOptions) *interfaces.ClientOptions {
	return &interfaces.ClientOptions{
		APIKey:          prep.Key,
		Host:            e.host(prep),
		EnableKeepAlive: prep.PingInterval > 0,
	}
}

func (e *Engine) lookup(id int32) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

func (e *Engine) forget(id int32) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

func (e *Engine) PutVoice(id int32, data []byte) {
	s := e.lookup(id)
	if s == nil {
		return
	}
	s.put(data)
}

func (e *Engine) EndVoice(id int32) {
	if s := e.lookup(id); s != nil {
		s.endInput()
	}
}

func (e *Engine) Cancel(id int32) {
	s := e.lookup(id)
	if s == nil {
		return
	}
	s.cancel()
	e.emit(speech.Result{Type: speech.ResultCancelled, ID: id})
}

func (e *Engine) emit(r speech.Result) {
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.results <- r:
	default:
		e.logger.Warn("deepgram_results_full",
			slog.Int("id", int(r.ID)),
			slog.String("type", r.Type.String()))
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
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		sessions := make([]*session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			s.cancel()
		}
	})
	return nil
}

// TranscriptionOptions maps the effective session configuration onto
// Deepgram's live transcription options.
func TranscriptionOptions(cfg Config, opts speech.SessionOptions) *interfaces.LiveTranscriptionOptions {
	t := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       "zh",
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		Channels:       1,
		InterimResults: !opts.NoIntermediateASR,
		SmartFormat:    true,
	}
	if opts.Lang == speech.LangEN {
		t.Language = "en"
	}
	if opts.Codec == speech.CodecOPU || opts.Codec == speech.CodecOPU2 {
		t.Encoding = "opus"
	}
	if opts.VadMode == speech.VadCloud {
		ms := int(opts.VadTimeout)
		if ms < minUtteranceEndMs {
			ms = minUtteranceEndMs
		}
		t.UtteranceEndMs = strconv.Itoa(ms)
		// utterance_end_ms requires interim results.
		t.InterimResults = true
		t.VadEvents = true
	}
	return t
}

// ErrorCode maps a Deepgram error response code onto the engine error codes.
func ErrorCode(code string) speech.ErrorCode {
	c := strings.ToUpper(code)
	switch {
	case strings.Contains(c, "AUTH"):
		return speech.ErrUnauthenticated
	case strings.Contains(c, "TIMEOUT"):
		return speech.ErrTimeout
	case strings.Contains(c, "RATE") || strings.Contains(c, "LIMIT"):
		return speech.ErrConnectionExceed
	case strings.Contains(c, "BUSY"):
		return speech.ErrServerBusy
	case strings.Contains(c, "INTERNAL"):
		return speech.ErrServerInternal
	default:
		return speech.ErrUnknown
	}
}

// EndNLP builds the NLP payload published at end of turn. Deepgram has no
// understanding stage, so the transcript is passed through.
func EndNLP(transcript string) string {
	b, err := json.Marshal(map[string]string{"asr": transcript})
	if err != nil {
		return "{}"
	}
	return string(b)
}

type session struct {
	id        int32
	engine    *Engine
	effective speech.SessionOptions
	frames    chan []byte
	finished  chan struct{}

	finishOnce sync.Once
	cancelled  atomic.Bool

	inputMu     sync.Mutex
	inputClosed bool

	mu         sync.Mutex
	transcript strings.Builder
	dg         *client.WSCallback
	pw         *io.PipeWriter
}

func (s *session) put(data []byte) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.inputClosed {
		return
	}
	select {
	case s.frames <- append([]byte(nil), data...):
	default:
		s.engine.logger.Warn("deepgram_frame_dropped", slog.Int("id", int(s.id)), slog.Int("size_bytes", len(data)))
	}
}

func (s *session) endInput() {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if !s.inputClosed {
		s.inputClosed = true
		close(s.frames)
	}
}

func (s *session) cancel() {
	s.cancelled.Store(true)
	s.endInput()
	s.mu.Lock()
	pw, dg := s.pw, s.dg
	s.mu.Unlock()
	if pw != nil {
		_ = pw.CloseWithError(context.Canceled)
	}
	if dg != nil {
		dg.Stop()
	}
	s.finishOnce.Do(func() { close(s.finished) })
	s.engine.forget(s.id)
}

func (s *session) run(copts *interfaces.ClientOptions, topts *interfaces.LiveTranscriptionOptions) {
	e := s.engine
	logger := e.logger.With(slog.Int("id", int(s.id)))

	pr, pw := io.Pipe()
	dg, err := client.NewWSUsingCallback(context.Background(), copts.APIKey, copts, topts, &callback{s: s})
	if err != nil {
		logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		s.fail(speech.ErrServiceUnavailable)
		return
	}
	if ok := dg.Connect(); !ok {
		logger.Error("deepgram_connect_failed")
		s.fail(speech.ErrServiceUnavailable)
		return
	}
	s.mu.Lock()
	s.dg, s.pw = dg, pw
	s.mu.Unlock()
	if s.cancelled.Load() {
		_ = pw.CloseWithError(context.Canceled)
		dg.Stop()
		return
	}
	logger.Info("deepgram_connected", slog.String("language", topts.Language), slog.String("encoding", topts.Encoding))

	go func() {
		for f := range s.frames {
			if _, err := pw.Write(f); err != nil {
				return
			}
		}
		_ = pw.Close()
	}()

	if err := dg.Stream(pr); err != nil && !s.cancelled.Load() {
		logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
	}
	if s.cancelled.Load() {
		return
	}

	select {
	case <-s.finished:
	case <-time.After(e.cfg.FlushTimeout):
		s.finish()
	}
	dg.Stop()
	e.forget(s.id)
}

func (s *session) appendFinal(text string) {
	s.mu.Lock()
	if s.transcript.Len() > 0 {
		s.transcript.WriteByte(' ')
	}
	s.transcript.WriteString(text)
	s.mu.Unlock()
}

// finish publishes the final transcript and end of turn exactly once.
func (s *session) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		text := s.transcript.String()
		s.mu.Unlock()
		if !s.cancelled.Load() {
			s.engine.emit(speech.Result{Type: speech.ResultASRFinish, ID: s.id, ASR: text})
			end := speech.Result{Type: speech.ResultEnd, ID: s.id}
			if !s.effective.NoNLP {
				end.NLP = EndNLP(text)
			}
			s.engine.emit(end)
		}
		close(s.finished)
	})
}

func (s *session) fail(code speech.ErrorCode) {
	s.finishOnce.Do(func() {
		if !s.cancelled.Load() {
			s.engine.emit(speech.Result{Type: speech.ResultError, ID: s.id, Err: code})
		}
		close(s.finished)
	})
	s.endInput()
	s.engine.forget(s.id)
}

// --- Callback Implementation ---

type callback struct {
	s *session
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.s.engine.logger.Debug("deepgram_connection_opened", slog.Int("id", int(c.s.id)))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if c.s.cancelled.Load() || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	if !mr.IsFinal {
		if !c.s.effective.NoIntermediateASR {
			c.s.engine.emit(speech.Result{Type: speech.ResultIntermediate, ID: c.s.id, ASR: text})
		}
		return nil
	}
	c.s.appendFinal(text)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.s.engine.logger.Debug("deepgram_metadata_received",
		slog.Int("id", int(c.s.id)),
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.s.engine.emit(speech.Result{Type: speech.ResultStart, ID: c.s.id})
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.s.engine.logger.Info("utterance_end_event", slog.Int("id", int(c.s.id)))
	c.s.finish()
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.s.engine.logger.Debug("deepgram_connection_closed", slog.Int("id", int(c.s.id)))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.s.engine.logger.Error("deepgram_error",
		slog.Int("id", int(c.s.id)),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.s.fail(ErrorCode(er.ErrCode))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.s.engine.logger.Debug("deepgram_unhandled_event",
		slog.Int("id", int(c.s.id)),
		slog.String("data", string(byData)))
	return nil
}

var _ speech.Engine = (*Engine)(nil)
