package ipcbridge

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faasgw/gateway/pkg/admission"
	"github.com/faasgw/gateway/pkg/callctx"
	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/funcconfig"
	"github.com/faasgw/gateway/pkg/gwlog"
	"github.com/faasgw/gateway/pkg/ipc"
	"github.com/faasgw/gateway/pkg/stats"
	"github.com/faasgw/gateway/pkg/workermanager"
)

const waitFor = time.Second
const tick = time.Millisecond

func testConfig(t *testing.T) *funcconfig.Config {
	t.Helper()
	cfg, err := funcconfig.Parse([]byte(`{"functions":[{"func_name":"echo","func_id":1},{"func_name":"other","func_id":2}]}`))
	require.NoError(t, err)
	return cfg
}

// connectWorker dials a worker over a net.Pipe against connID, completes
// its handshake for funcID, and returns the client-side pipe end.
func connectWorker(t *testing.T, connID uint16, funcID uint16, cfg *funcconfig.Config, h ipc.Handler) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	conn := ipc.New(connID, server, cfg, h, gwlog.NewTestLogger())
	go conn.Serve()
	t.Cleanup(func() { client.Close() })

	hs := faascall.Message{Type: faascall.FuncWorkerHandshake, Call: faascall.FuncCall{FuncID: funcID}, ParentFullCallID: faascall.InvalidFullCallID}
	writeMessage(t, client, hs)
	readMessage(t, client) // handshake response

	return client
}

func writeMessage(t *testing.T, w io.Writer, msg faascall.Message) {
	t.Helper()
	wire, err := faascall.Encode(msg)
	require.NoError(t, err)
	_, err = w.Write(wire)
	require.NoError(t, err)
}

func readMessage(t *testing.T, r io.Reader) faascall.Message {
	t.Helper()
	headerBuf := make([]byte, faascall.HeaderSize())
	_, err := io.ReadFull(r, headerBuf)
	require.NoError(t, err)
	msg, inlineLen, err := faascall.DecodeHeader(headerBuf)
	require.NoError(t, err)
	if inlineLen > 0 {
		inline := make([]byte, inlineLen)
		_, err := io.ReadFull(r, inline)
		require.NoError(t, err)
		msg.InlineData = inline
	}
	return msg
}

func newTestCore(t *testing.T) (*admission.Core, *workermanager.Manager) {
	t.Helper()
	cfg := testConfig(t)
	wm := workermanager.New(8, true, gwlog.NewTestLogger())
	sink := stats.New(prometheus.NewRegistry(), func() int64 { return callctx.InFlight() })
	core := admission.New(0, wm, cfg, sink, gwlog.NewTestLogger())
	return core, wm
}

func TestExternalCallRoundTripsThroughBridge(t *testing.T) {
	core, wm := newTestCore(t)
	h := New(wm, core, gwlog.NewTestLogger())
	worker := connectWorker(t, 1, 1, testConfig(t), h)

	rec := httptest.NewRecorder()
	sink := callctx.NewHTTPSink(rec)
	call := faascall.FuncCall{FuncID: 1, CallID: 1}
	ctx := callctx.New(call, sink)
	// net.Pipe writes block until read, so the Invoke send must not run
	// on the goroutine that reads it.
	go core.SubmitExternal(ctx, faascall.InvalidFullCallID, 2, []byte("hi"))

	invoke := readMessage(t, worker)
	assert.Equal(t, faascall.InvokeFunc, invoke.Type)

	complete := faascall.Message{
		Type: faascall.FuncCallComplete, Call: invoke.Call,
		ParentFullCallID: faascall.InvalidFullCallID, PayloadSize: 2, InlineData: []byte("hi"),
	}
	writeMessage(t, worker, complete)

	require.Eventually(t, func() bool { return ctx.Finished() }, waitFor, tick)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hi", rec.Body.String())
}

func TestInternalCallForwardsResultToCaller(t *testing.T) {
	core, wm := newTestCore(t)
	h := New(wm, core, gwlog.NewTestLogger())

	caller := connectWorker(t, 9, 1, testConfig(t), h)
	callee := connectWorker(t, 2, 2, testConfig(t), h)

	internalInvoke := faascall.Message{
		Type: faascall.InvokeFunc,
		Call: faascall.FuncCall{FuncID: 2, ClientID: 9, CallID: 5},
		ParentFullCallID: faascall.InvalidFullCallID, PayloadSize: 2, InlineData: []byte("hi"),
	}
	writeMessage(t, caller, internalInvoke)

	calleeInvoke := readMessage(t, callee)
	assert.Equal(t, faascall.InvokeFunc, calleeInvoke.Type)
	assert.EqualValues(t, 9, calleeInvoke.Call.ClientID)

	complete := faascall.Message{
		Type: faascall.FuncCallComplete, Call: calleeInvoke.Call,
		ParentFullCallID: faascall.InvalidFullCallID, PayloadSize: 2, InlineData: []byte("ho"),
	}
	writeMessage(t, callee, complete)

	result := readMessage(t, caller)
	assert.Equal(t, faascall.FuncCallComplete, result.Type)
	assert.Equal(t, "ho", string(result.InlineData))
}

func TestWorkerDisconnectDiscardsExternalCall(t *testing.T) {
	core, wm := newTestCore(t)
	h := New(wm, core, gwlog.NewTestLogger())
	server, client := net.Pipe()
	conn := ipc.New(1, server, testConfig(t), h, gwlog.NewTestLogger())
	go conn.Serve()

	hs := faascall.Message{Type: faascall.FuncWorkerHandshake, Call: faascall.FuncCall{FuncID: 1}, ParentFullCallID: faascall.InvalidFullCallID}
	writeMessage(t, client, hs)
	readMessage(t, client)

	rec := httptest.NewRecorder()
	sink := callctx.NewHTTPSink(rec)
	call := faascall.FuncCall{FuncID: 1, CallID: 1}
	ctx := callctx.New(call, sink)
	go core.SubmitExternal(ctx, faascall.InvalidFullCallID, 2, []byte("hi"))

	readMessage(t, client) // the Invoke the worker never answers

	client.Close()
	require.Eventually(t, func() bool { return ctx.Finished() }, waitFor, tick)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
