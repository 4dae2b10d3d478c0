// Package dispatch implements the per-func_id Dispatcher: it keeps a
// ready-set of worker connections for one function, assigns incoming
// invocations to them work-conservingly, and correlates each worker's
// Complete/Failure reply back to whichever side issued the call.
package dispatch

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/workermanager"
)

// ExternalSink receives the outcome of an external (client-originated)
// call once its worker replies. The AdmissionCore implements this to
// resolve its correlation tables and finalize the response.
type ExternalSink interface {
	OnFuncCallCompleted(call faascall.FuncCall, processingNs int64, outputSize int, usesShm bool, inline []byte)
	OnFuncCallFailed(call faascall.FuncCall)
}

// inflight tracks one call currently assigned to a worker.
type inflight struct {
	worker workermanager.Conn
	call   faascall.FuncCall
	sentAt int64
}

// Dispatcher routes invocations for a single func_id to its registered
// workers. A worker becomes unavailable the instant it is handed a call
// and becomes available again only when its Complete/Failure for that
// call is observed, or its connection is dropped.
type Dispatcher struct {
	mu sync.Mutex

	funcID uint16
	wm     *workermanager.Manager
	logger logr.Logger

	busy     map[uint16]struct{}          // connID -> busy
	inflight map[uint64]inflight          // full_call_id -> assignment
	byWorker map[uint16]uint64            // connID -> full_call_id it's running
	external ExternalSink
}

// New constructs a Dispatcher for funcID. wm supplies the ready-worker
// set; external receives completion/failure notifications for calls
// whose client_id == 0 (i.e. not internal worker-to-worker calls, which
// are resolved by forwarding directly to the originating worker's
// connection instead).
func New(funcID uint16, wm *workermanager.Manager, external ExternalSink, logger logr.Logger) *Dispatcher {
	return &Dispatcher{
		funcID:   funcID,
		wm:       wm,
		external: external,
		logger:   logger.WithValues("func_id", funcID),
		busy:     make(map[uint16]struct{}),
		inflight: make(map[uint64]inflight),
		byWorker: make(map[uint16]uint64),
	}
}

// OnNewFuncCall selects an available worker and sends it an Invoke
// message. inline carries the payload when nonnil; a nil inline with
// payloadSize < 0 tells the worker to open its input from shm instead.
// Returns false if no worker was available or the send failed; callers
// must treat false as a dispatch failure and must not retry.
func (d *Dispatcher) OnNewFuncCall(call faascall.FuncCall, parentFullCallID uint64, payloadSize int32, inline []byte) bool {
	d.mu.Lock()
	worker := d.pickWorker()
	if worker == nil {
		d.mu.Unlock()
		return false
	}
	d.busy[worker.ID()] = struct{}{}
	d.byWorker[worker.ID()] = call.Pack()
	d.inflight[call.Pack()] = inflight{worker: worker, call: call, sentAt: time.Now().UnixNano()}
	d.mu.Unlock()

	msg := faascall.Message{
		Type:             faascall.InvokeFunc,
		Call:             call,
		ParentFullCallID: parentFullCallID,
		SentAtUnixNano:   time.Now().UnixNano(),
		PayloadSize:      payloadSize,
		InlineData:       inline,
	}
	if err := worker.Send(msg); err != nil {
		d.logger.V(0).Error(err, "invoke send failed", "call", call.String())
		d.release(call.Pack())
		return false
	}
	return true
}

// pickWorker returns the lowest-connection-id ready worker that is not
// currently busy, for deterministic, reproducible assignment. Must be
// called with d.mu held.
func (d *Dispatcher) pickWorker() workermanager.Conn {
	for _, w := range d.wm.ReadyWorkers(d.funcID) {
		if _, busy := d.busy[w.ID()]; !busy {
			return w
		}
	}
	return nil
}

// OnFuncCallCompleted releases the worker that ran call and forwards the
// result: to the external sink when the call is external, or directly to
// the originating worker's connection when client_id > 0.
func (d *Dispatcher) OnFuncCallCompleted(call faascall.FuncCall, processingNs int64, payloadSize int32, inline []byte) {
	d.release(call.Pack())

	if call.IsExternal() {
		d.external.OnFuncCallCompleted(call, processingNs, int(abs32(payloadSize)), payloadSize < 0, inline)
		return
	}
	d.forwardToWorker(call, faascall.FuncCallComplete, payloadSize, inline)
}

// OnFuncCallFailed releases the worker that ran call and forwards the
// failure the same way OnFuncCallCompleted forwards success.
func (d *Dispatcher) OnFuncCallFailed(call faascall.FuncCall, dispatchDelayNs int64) {
	d.release(call.Pack())

	if call.IsExternal() {
		d.external.OnFuncCallFailed(call)
		return
	}
	d.forwardToWorker(call, faascall.FuncCallFailed, 0, nil)
}

// OnWorkerDisconnected reports the call (if any) the given worker
// connection was running, so the caller can push it onto the
// discarded-calls list. Releases the worker's busy slot.
func (d *Dispatcher) OnWorkerDisconnected(connID uint16) (faascall.FuncCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fullID, ok := d.byWorker[connID]
	delete(d.busy, connID)
	delete(d.byWorker, connID)
	if !ok {
		return faascall.FuncCall{}, false
	}
	inf := d.inflight[fullID]
	delete(d.inflight, fullID)
	return inf.call, true
}

func (d *Dispatcher) forwardToWorker(call faascall.FuncCall, msgType faascall.MessageType, payloadSize int32, inline []byte) {
	callerConn, ok := d.wm.Lookup(call.ClientID)
	if !ok {
		d.logger.V(1).Info("internal caller gone, dropping result", "call", call.String())
		return
	}
	msg := faascall.Message{
		Type:           msgType,
		Call:           call,
		SentAtUnixNano: time.Now().UnixNano(),
		PayloadSize:    payloadSize,
		InlineData:     inline,
	}
	if err := callerConn.Send(msg); err != nil {
		d.logger.V(0).Error(err, "failed forwarding result to internal caller", "call", call.String())
	}
}

func (d *Dispatcher) release(fullCallID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inf, ok := d.inflight[fullCallID]
	if !ok {
		return
	}
	delete(d.inflight, fullCallID)
	delete(d.busy, inf.worker.ID())
	delete(d.byWorker, inf.worker.ID())
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
