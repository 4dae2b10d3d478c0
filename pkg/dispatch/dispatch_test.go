package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/gwlog"
	"github.com/faasgw/gateway/pkg/workermanager"
)

type fakeWorkerConn struct {
	id       uint16
	mu       sync.Mutex
	sent     []faascall.Message
	sendErr  error
}

func (f *fakeWorkerConn) ID() uint16 { return f.id }
func (f *fakeWorkerConn) Send(m faascall.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}
func (f *fakeWorkerConn) Close() error { return nil }

func (f *fakeWorkerConn) lastSent() (faascall.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return faascall.Message{}, false
	}
	return f.sent[len(f.sent)-1], true
}

type fakeExternalSink struct {
	mu        sync.Mutex
	completed []faascall.FuncCall
	failed    []faascall.FuncCall
}

func (s *fakeExternalSink) OnFuncCallCompleted(call faascall.FuncCall, processingNs int64, outputSize int, usesShm bool, inline []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, call)
}

func (s *fakeExternalSink) OnFuncCallFailed(call faascall.FuncCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, call)
}

func TestDispatchToSoleWorkerAndCompletion(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	worker := &fakeWorkerConn{id: 1}
	require.True(t, wm.OnFuncWorkerConnected(5, worker))

	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	call := faascall.FuncCall{FuncID: 5, CallID: 1}
	ok := d.OnNewFuncCall(call, faascall.InvalidFullCallID, 2, []byte("hi"))
	require.True(t, ok)

	sent, ok := worker.lastSent()
	require.True(t, ok)
	assert.Equal(t, faascall.InvokeFunc, sent.Type)
	assert.Equal(t, call, sent.Call)

	d.OnFuncCallCompleted(call, 0, 2, []byte("hi"))
	assert.Len(t, sink.completed, 1)
}

func TestNoReadyWorkerIsDispatchFailure(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	ok := d.OnNewFuncCall(faascall.FuncCall{FuncID: 5, CallID: 1}, faascall.InvalidFullCallID, 2, []byte("hi"))
	assert.False(t, ok)
}

func TestWorkerBecomesAvailableAfterCompletion(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	worker := &fakeWorkerConn{id: 1}
	require.True(t, wm.OnFuncWorkerConnected(5, worker))

	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	c1 := faascall.FuncCall{FuncID: 5, CallID: 1}
	require.True(t, d.OnNewFuncCall(c1, faascall.InvalidFullCallID, 2, []byte("hi")))

	c2 := faascall.FuncCall{FuncID: 5, CallID: 2}
	assert.False(t, d.OnNewFuncCall(c2, faascall.InvalidFullCallID, 2, []byte("ho")))

	d.OnFuncCallCompleted(c1, 0, 2, []byte("hi"))
	assert.True(t, d.OnNewFuncCall(c2, faascall.InvalidFullCallID, 2, []byte("ho")))
}

func TestInternalCallForwardsToOriginatingWorker(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	callee := &fakeWorkerConn{id: 2}
	caller := &fakeWorkerConn{id: 9}
	require.True(t, wm.OnFuncWorkerConnected(5, callee))
	require.True(t, wm.OnFuncWorkerConnected(6, caller))

	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	call := faascall.FuncCall{FuncID: 5, ClientID: 9, CallID: 1}
	require.True(t, d.OnNewFuncCall(call, faascall.InvalidFullCallID, 2, []byte("hi")))

	d.OnFuncCallCompleted(call, 0, 2, []byte("ho"))

	sent, ok := caller.lastSent()
	require.True(t, ok)
	assert.Equal(t, faascall.FuncCallComplete, sent.Type)
	assert.Empty(t, sink.completed)
}

func TestFailedCallReleasesWorkerAndNotifiesSink(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	worker := &fakeWorkerConn{id: 1}
	require.True(t, wm.OnFuncWorkerConnected(5, worker))

	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	call := faascall.FuncCall{FuncID: 5, CallID: 1}
	require.True(t, d.OnNewFuncCall(call, faascall.InvalidFullCallID, 2, []byte("hi")))
	d.OnFuncCallFailed(call, 0)

	assert.Len(t, sink.failed, 1)
	assert.True(t, d.OnNewFuncCall(faascall.FuncCall{FuncID: 5, CallID: 2}, faascall.InvalidFullCallID, 2, []byte("ho")))
}

func TestWorkerDisconnectReportsInflightCall(t *testing.T) {
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	worker := &fakeWorkerConn{id: 1}
	require.True(t, wm.OnFuncWorkerConnected(5, worker))

	sink := &fakeExternalSink{}
	d := New(5, wm, sink, gwlog.NewTestLogger())

	call := faascall.FuncCall{FuncID: 5, CallID: 1}
	require.True(t, d.OnNewFuncCall(call, faascall.InvalidFullCallID, 2, []byte("hi")))

	got, ok := d.OnWorkerDisconnected(worker.ID())
	require.True(t, ok)
	assert.Equal(t, call, got)

	_, ok = d.OnWorkerDisconnected(worker.ID())
	assert.False(t, ok)
}
