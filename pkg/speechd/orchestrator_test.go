package speechd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/message"
	"github.com/harunnryd/speechd/pkg/metrics"
	mockengine "github.com/harunnryd/speechd/pkg/providers/mock"
	"github.com/harunnryd/speechd/pkg/speech"
)

func TestMalformedMessagesMutateNothing(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.prepare(t)
	f.send(f.topics.Stack, stackMsg("stack-a"))
	id := f.wake(t, 7)
	before := f.orch.Snapshot()
	callsBefore := len(f.engine.Calls())

	cases := map[string][]byte{
		// prepare: key field is an int.
		f.topics.PrepareOptions: message.NewWriter().WriteString("").WriteInt32(1).MustBytes(),
		// options: truncated after vad_mode.
		f.topics.SessionOptions: message.NewWriter().WriteInt32(0).WriteInt32(0).WriteInt32(1).MustBytes(),
		// stack: wrong type.
		f.topics.Stack: message.NewWriter().WriteInt32(3).MustBytes(),
		// wake: trigger power is an int.
		f.topics.Wake: message.NewWriter().WriteString("ruoqi").WriteInt32(1).WriteInt32(2).WriteInt32(3).MustBytes(),
		// voice: string instead of binary.
		f.topics.Voice: message.NewWriter().WriteString("pcm").MustBytes(),
	}
	for topic, payload := range cases {
		f.send(topic, payload)
	}

	assert.Equal(t, before, f.orch.Snapshot())
	assert.Len(t, f.engine.Calls(), callsBefore)
	assert.Equal(t, id, f.orch.Snapshot().SessionID)
	assert.Equal(t, len(cases), f.obs.Count(metrics.EventMessageMalformed))
}

func TestInvalidEndpointKeepsGateClosed(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.PrepareOptions, prepareMsg("ftp://speech.local"))

	assert.False(t, f.orch.Gate().Opened())
	assert.False(t, f.orch.Snapshot().Prepared)
	_, prepared := f.engine.Prepared()
	assert.False(t, prepared)
	assert.Empty(t, f.engine.Calls())
}

func TestPrepareEmptyURIUsesDefaultEndpoint(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.prepare(t)

	opts, ok := f.engine.Prepared()
	require.True(t, ok)
	ep, err := speech.ParseEndpoint(speech.DefaultEndpoint)
	require.NoError(t, err)
	assert.Equal(t, ep.Host, opts.Host)
	assert.Equal(t, ep.Port, opts.Port)
	assert.Equal(t, ep.Path, opts.Branch)
	assert.Equal(t, "key-123", opts.Key)
	assert.Equal(t, ep, f.orch.Snapshot().Endpoint)
}

func TestGateOpensOnceAcrossPrepares(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.prepare(t)
	f.send(f.topics.PrepareOptions, prepareMsg("wss://other.local/api"))
	f.send(f.topics.PrepareOptions, prepareMsg(""))

	assert.Equal(t, 1, f.obs.Count(metrics.EventGateOpened))
	assert.Equal(t, 3, f.obs.Count(metrics.EventPrepareApplied))
	assert.Equal(t, []string{"prepare", "prepare", "prepare"}, f.engine.Methods())
}

func TestNegativeSessionOptionsLeaveEngineUnchanged(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.SessionOptions, optionsMsg(1, 1, -1, -1, 1, -1, -1))
	before := f.engine.Effective()

	f.send(f.topics.SessionOptions, optionsMsg(-1, -1, -1, -1, -1, -1, -1))

	calls := f.engine.Calls()
	require.Len(t, calls, 2)
	last := calls[1]
	assert.Equal(t, "config", last.Method)
	assert.True(t, last.Options.Empty())
	assert.Equal(t, before, f.engine.Effective())
}

func TestSessionOptionsAppliesOnlySetFields(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.SessionOptions, optionsMsg(0, 0, 1, 700, -1, -1, -1))

	calls := f.engine.Calls()
	require.Len(t, calls, 1)
	opts := calls[0].Options
	assert.Equal(t, []string{"lang", "codec", "vad_mode"}, opts.Changed())
	assert.Equal(t, speech.LangZH, opts.Lang)
	assert.Equal(t, speech.CodecPCM, opts.Codec)
	assert.Equal(t, speech.VadCloud, opts.VadMode)
	assert.Equal(t, uint32(700), opts.VadTimeout)
}

func TestWakeWhileActiveCancelsThenStarts(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.Stack, stackMsg("stack-a"))
	first := f.wake(t, 1)
	second := f.wake(t, 2)

	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{"start_voice", "cancel", "start_voice"}, f.engine.Methods())
	calls := f.engine.Calls()
	assert.Equal(t, first, calls[1].ID)
	assert.Equal(t, "stack-a", calls[2].Voice.Stack)
	assert.Equal(t, int32(2), f.orch.TurenID())
}

func TestWakeBuildsVoiceOptions(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.Stack, stackMsg("stack-b"))
	f.wake(t, 9)

	calls := f.engine.Calls()
	require.Len(t, calls, 1)
	v := calls[0].Voice
	assert.Equal(t, "stack-b", v.Stack)
	assert.Equal(t, "ruoqi", v.VoiceTrigger)
	assert.Equal(t, int32(100), v.TriggerStart)
	assert.Equal(t, int32(40), v.TriggerLength)
	assert.InDelta(t, 0.75, v.VoicePower, 1e-9)
	assert.True(t, v.TriggerConfirmByCloud)
	assert.NotEmpty(t, f.orch.TraceID())
}

func TestWakeStartFailureLeavesInactive(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{FailStart: true})
	f.send(f.topics.Wake, wakeMsg(5))

	s := f.orch.Snapshot()
	assert.Equal(t, speech.InactiveSession, s.SessionID)
	assert.Equal(t, int32(5), s.TurenID)
	assert.Equal(t, 1, f.obs.Count(metrics.EventSessionFailed))

	f.send(f.topics.Voice, voiceMsg([]byte{1}))
	assert.Equal(t, []string{"start_voice"}, f.engine.Methods())
}

func TestVoiceWithoutSessionIsDropped(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.Voice, voiceMsg([]byte{1, 2, 3}))

	assert.Empty(t, f.engine.Calls())
	assert.Equal(t, 1, f.obs.Count(metrics.EventVoiceDropped))
}

func TestVoiceForwardedToActiveSession(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	id := f.wake(t, 3)
	f.send(f.topics.Voice, voiceMsg([]byte{1, 2, 3}))

	calls := f.engine.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "put_voice", calls[1].Method)
	assert.Equal(t, id, calls[1].ID)
	assert.Equal(t, []byte{1, 2, 3}, calls[1].Data)
}

func TestSleepWithoutSessionIsNoop(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	before := f.orch.Snapshot()
	f.send(f.topics.Sleep, nil)

	assert.Empty(t, f.engine.Calls())
	assert.Equal(t, before, f.orch.Snapshot())
}

func TestSleepEndsSessionOnce(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	id := f.wake(t, 3)
	f.send(f.topics.Sleep, nil)
	f.send(f.topics.Sleep, nil)
	f.send(f.topics.Voice, voiceMsg([]byte{9}))

	assert.Equal(t, []string{"start_voice", "end_voice"}, f.engine.Methods())
	assert.Equal(t, id, f.engine.Calls()[1].ID)
	assert.Equal(t, speech.InactiveSession, f.orch.Snapshot().SessionID)
	assert.Equal(t, int32(3), f.orch.TurenID())
}

func TestStackIsStoredForLaterWakes(t *testing.T) {
	f := newFixture(t, mockengine.EngineConfig{})
	f.send(f.topics.Stack, stackMsg("first"))
	f.send(f.topics.Stack, stackMsg("second"))

	assert.Equal(t, "second", f.orch.Snapshot().Stack)
	assert.Empty(t, f.engine.Calls())
}
