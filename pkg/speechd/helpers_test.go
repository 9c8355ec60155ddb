package speechd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harunnryd/speechd/pkg/message"
	"github.com/harunnryd/speechd/pkg/metrics"
	mockengine "github.com/harunnryd/speechd/pkg/providers/mock"
	"github.com/harunnryd/speechd/pkg/transports"
	mocktransport "github.com/harunnryd/speechd/pkg/transports/mock"
)

func prepareMsg(uri string) []byte {
	return message.NewWriter().
		WriteString(uri).
		WriteString("key-123").
		WriteString("dtype").
		WriteString("secret").
		WriteString("dev-1").
		WriteInt32(0).WriteInt32(0).WriteInt32(0).
		MustBytes()
}

func optionsMsg(lang, codec, vadMode, vadTimeout, noNLP, noInter, vadBegin int32) []byte {
	return message.NewWriter().
		WriteInt32(lang).WriteInt32(codec).WriteInt32(vadMode).WriteInt32(vadTimeout).
		WriteInt32(noNLP).WriteInt32(noInter).WriteInt32(vadBegin).
		MustBytes()
}

func stackMsg(stack string) []byte {
	return message.NewWriter().WriteString(stack).MustBytes()
}

func wakeMsg(turenID int32) []byte {
	return message.NewWriter().
		WriteString("ruoqi").
		WriteInt32(100).
		WriteInt32(40).
		WriteFloat64(0.75).
		WriteInt32(1).
		WriteInt32(turenID).
		MustBytes()
}

func voiceMsg(b []byte) []byte {
	return message.NewWriter().WriteBinary(b).MustBytes()
}

type fixture struct {
	engine *mockengine.Engine
	orch   *Orchestrator
	table  *DispatchTable
	obs    *metrics.MemoryObserver
	topics Topics
}

func newFixture(t *testing.T, cfg mockengine.EngineConfig) *fixture {
	t.Helper()
	engine := mockengine.NewEngine(cfg)
	t.Cleanup(func() { _ = engine.Close() })
	obs := metrics.NewMemoryObserver()
	orch := NewOrchestrator(engine, NewGate(), obs)
	topics := DefaultTopics()
	table := NewDispatchTable(orch.Routes(topics), obs)
	table.MustCover(topics.Inbound())
	return &fixture{engine: engine, orch: orch, table: table, obs: obs, topics: topics}
}

func (f *fixture) send(topic string, payload []byte) {
	f.table.Dispatch(context.Background(), topic, payload)
}

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	f.send(f.topics.PrepareOptions, prepareMsg(""))
	require.True(t, f.orch.Gate().Opened())
}

func (f *fixture) wake(t *testing.T, turenID int32) int32 {
	t.Helper()
	f.send(f.topics.Wake, wakeMsg(turenID))
	id := f.orch.Snapshot().SessionID
	require.Positive(t, id)
	return id
}

// recvPublished waits for the next outbound message on tr.
func recvPublished(t *testing.T, tr *mocktransport.Transport) mocktransport.Published {
	t.Helper()
	select {
	case p := <-tr.Sent():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
	return mocktransport.Published{}
}

func assertNothingPublished(t *testing.T, tr *mocktransport.Transport, wait time.Duration) {
	t.Helper()
	select {
	case p := <-tr.Sent():
		t.Fatalf("unexpected publish on %s", p.Topic)
	case <-time.After(wait):
	}
}

type fixedCorrelator struct {
	turen int32
	trace string
}

func (c fixedCorrelator) TurenID() int32  { return c.turen }
func (c fixedCorrelator) TraceID() string { return c.trace }

func newPollerFixture(t *testing.T, tr transports.Transport) (*Poller, *TransportHandle, *ReconnectSignal, *metrics.MemoryObserver) {
	t.Helper()
	obs := metrics.NewMemoryObserver()
	handle := &TransportHandle{}
	if tr != nil {
		handle.Store(tr)
	}
	signal := NewReconnectSignal(handle, obs)
	gate := NewGate()
	gate.Open()
	p := NewPoller(PollerOptions{
		Engine:         mockengine.NewEngine(mockengine.EngineConfig{}),
		Gate:           gate,
		Handle:         handle,
		Signal:         signal,
		Correlator:     fixedCorrelator{turen: 42, trace: "trace-1"},
		Topics:         DefaultTopics(),
		Observer:       obs,
		PublishTimeout: time.Second,
	})
	return p, handle, signal, obs
}
