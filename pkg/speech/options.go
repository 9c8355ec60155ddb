package speech

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/harunnryd/speechd/pkg/errorsx"
)

// DefaultEndpoint is used when a prepare request carries an empty uri.
const DefaultEndpoint = "wss://apigwws.open.rokid.com:443/api"

// Engine-side defaults, in milliseconds.
const (
	DefaultReconnInterval = 20000
	DefaultPingInterval   = 30000
	DefaultNoRespTimeout  = 45000
)

// PrepareOptions configures the engine's cloud connection.
type PrepareOptions struct {
	Host         string
	Port         int
	Branch       string
	Key          string
	DeviceTypeID string
	Secret       string
	DeviceID     string

	ReconnInterval int32
	PingInterval   int32
	NoRespTimeout  int32
}

// NewPrepareOptions returns options populated with the engine defaults.
func NewPrepareOptions() PrepareOptions {
	return PrepareOptions{
		ReconnInterval: DefaultReconnInterval,
		PingInterval:   DefaultPingInterval,
		NoRespTimeout:  DefaultNoRespTimeout,
	}
}

// Endpoint is a parsed engine uri.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d%s", e.Scheme, e.Host, e.Port, e.Path)
}

// ParseEndpoint splits a ws/wss uri into host, port and path. A missing port
// takes the scheme default.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, errorsx.Wrap(err, errorsx.ReasonInvalidEndpoint)
	}
	ep := Endpoint{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname(), Path: u.EscapedPath()}
	var defPort int
	switch ep.Scheme {
	case "ws":
		defPort = 80
	case "wss":
		defPort = 443
	default:
		return Endpoint{}, errorsx.Errorf(errorsx.ReasonInvalidEndpoint, "unsupported scheme %q in %q", u.Scheme, raw)
	}
	if ep.Host == "" {
		return Endpoint{}, errorsx.Errorf(errorsx.ReasonInvalidEndpoint, "missing host in %q", raw)
	}
	ep.Port = defPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Endpoint{}, errorsx.Errorf(errorsx.ReasonInvalidEndpoint, "invalid port %q in %q", p, raw)
		}
		ep.Port = n
	}
	if ep.Path == "" {
		ep.Path = "/"
	}
	return ep, nil
}

// Apply copies the endpoint into the prepare options.
func (p *PrepareOptions) Apply(ep Endpoint) {
	p.Host = ep.Host
	p.Port = ep.Port
	p.Branch = ep.Path
}

type Lang int32

const (
	LangZH Lang = 0
	LangEN Lang = 1
)

func (l Lang) String() string {
	switch l {
	case LangZH:
		return "zh"
	case LangEN:
		return "en"
	default:
		return "lang(" + strconv.Itoa(int(l)) + ")"
	}
}

type Codec int32

const (
	CodecPCM  Codec = 0
	CodecOPU  Codec = 1
	CodecOPU2 Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecOPU:
		return "opu"
	case CodecOPU2:
		return "opu2"
	default:
		return "codec(" + strconv.Itoa(int(c)) + ")"
	}
}

type VadMode int32

const (
	VadLocal VadMode = 0
	VadCloud VadMode = 1
)

func (v VadMode) String() string {
	switch v {
	case VadLocal:
		return "local"
	case VadCloud:
		return "cloud"
	default:
		return "vad(" + strconv.Itoa(int(v)) + ")"
	}
}

type optionField uint8

const (
	fieldLang optionField = 1 << iota
	fieldCodec
	fieldVadMode
	fieldNoNLP
	fieldNoIntermediateASR
	fieldVadBegin
)

// SessionOptions is a partial update of the engine's session configuration.
// Only fields touched through a setter are applied by Merge.
type SessionOptions struct {
	mask optionField

	Lang              Lang
	Codec             Codec
	VadMode           VadMode
	VadTimeout        uint32
	NoNLP             bool
	NoIntermediateASR bool
	VadBegin          uint32
}

func (o *SessionOptions) SetLang(l Lang) {
	o.Lang = l
	o.mask |= fieldLang
}

func (o *SessionOptions) SetCodec(c Codec) {
	o.Codec = c
	o.mask |= fieldCodec
}

// SetVadMode sets the mode together with its timeout in milliseconds.
func (o *SessionOptions) SetVadMode(m VadMode, timeout uint32) {
	o.VadMode = m
	o.VadTimeout = timeout
	o.mask |= fieldVadMode
}

func (o *SessionOptions) SetNoNLP(v bool) {
	o.NoNLP = v
	o.mask |= fieldNoNLP
}

func (o *SessionOptions) SetNoIntermediateASR(v bool) {
	o.NoIntermediateASR = v
	o.mask |= fieldNoIntermediateASR
}

func (o *SessionOptions) SetVadBegin(v uint32) {
	o.VadBegin = v
	o.mask |= fieldVadBegin
}

// Empty reports whether no field was set.
func (o SessionOptions) Empty() bool { return o.mask == 0 }

// Changed lists the names of the fields that were set, in declaration order.
func (o SessionOptions) Changed() []string {
	var out []string
	for _, f := range []struct {
		bit  optionField
		name string
	}{
		{fieldLang, "lang"},
		{fieldCodec, "codec"},
		{fieldVadMode, "vad_mode"},
		{fieldNoNLP, "no_nlp"},
		{fieldNoIntermediateASR, "no_intermediate_asr"},
		{fieldVadBegin, "vad_begin"},
	} {
		if o.mask&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	return out
}

// Merge applies the set fields of o onto dst and returns the result.
func (o SessionOptions) Merge(dst SessionOptions) SessionOptions {
	if o.mask&fieldLang != 0 {
		dst.SetLang(o.Lang)
	}
	if o.mask&fieldCodec != 0 {
		dst.SetCodec(o.Codec)
	}
	if o.mask&fieldVadMode != 0 {
		dst.SetVadMode(o.VadMode, o.VadTimeout)
	}
	if o.mask&fieldNoNLP != 0 {
		dst.SetNoNLP(o.NoNLP)
	}
	if o.mask&fieldNoIntermediateASR != 0 {
		dst.SetNoIntermediateASR(o.NoIntermediateASR)
	}
	if o.mask&fieldVadBegin != 0 {
		dst.SetVadBegin(o.VadBegin)
	}
	return dst
}

// VoiceOptions describes one recognition session request.
type VoiceOptions struct {
	Stack                 string
	VoiceTrigger          string
	TriggerStart          int32
	TriggerLength         int32
	VoicePower            float64
	TriggerConfirmByCloud bool
}
