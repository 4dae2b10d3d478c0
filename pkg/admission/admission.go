// Package admission implements the Server / AdmissionCore: the single
// mutex-guarded correlation tables that accept external invocations,
// enforce max_running_external_requests, drive the pending queue, and
// sweep discarded calls, exactly per the admission/completion/discard
// algorithms of the original gateway design.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/faasgw/gateway/pkg/callctx"
	"github.com/faasgw/gateway/pkg/dispatch"
	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/funcconfig"
	"github.com/faasgw/gateway/pkg/shmregion"
	"github.com/faasgw/gateway/pkg/stats"
	"github.com/faasgw/gateway/pkg/workermanager"
)

// tracer emits one span per external call, per the process-wide
// TracerProvider telemetry.Init installs. Unset until Init runs, the
// global tracer is a documented otel no-op, so admission works
// unmodified in tests and in any build that never calls Init.
var tracer = otel.Tracer("github.com/faasgw/gateway/pkg/admission")

// Core owns running_external, pending_external, the per-func_id
// Dispatcher map, and discarded_calls, all under one mutex. Critical
// sections only touch these tables (and, at admission, the
// incoming-external counter); all I/O and response finalization happen
// after the lock is released.
type Core struct {
	mu sync.Mutex

	cap              uint64 // max_running_external_requests; 0 = unlimited
	running          map[uint64]*callctx.Context
	pending          []*callctx.Context
	dispatchers      map[uint16]*dispatch.Dispatcher
	discardedExternal []*callctx.Context
	discardedInternal []faascall.FuncCall

	wm     *workermanager.Manager
	fc     *funcconfig.Config
	stats  *stats.Sink
	logger logr.Logger

	nextCallID uint32
}

// New constructs a Core. cap == 0 means no admission limit.
func New(cap uint64, wm *workermanager.Manager, fc *funcconfig.Config, statsSink *stats.Sink, logger logr.Logger) *Core {
	return &Core{
		cap:         cap,
		running:     make(map[uint64]*callctx.Context),
		dispatchers: make(map[uint16]*dispatch.Dispatcher),
		wm:          wm,
		fc:          fc,
		stats:       statsSink,
		logger:      logger.WithName("admission"),
	}
}

// NextCallID allocates the next monotonic 32-bit call id.
func (c *Core) NextCallID() uint32 {
	return atomic.AddUint32(&c.nextCallID, 1)
}

// dispatcherFor returns the lazily-created Dispatcher for funcID, or nil
// if funcID is not a func_id known to FuncConfig.
func (c *Core) dispatcherFor(funcID uint16) *dispatch.Dispatcher {
	if _, ok := c.fc.ByFuncID(funcID); !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dispatchers[funcID]
	if !ok {
		d = dispatch.New(funcID, c.wm, c, c.logger)
		c.dispatchers[funcID] = d
	}
	return d
}

// SubmitExternal runs the admission algorithm for a newly arrived
// external call: it allocates no call id itself (the caller already
// built ctx.Call with one from NextCallID), inserts it into the running
// or pending table, and — if admitted directly — dispatches it. On
// dispatch failure the call is synchronously finalized.
func (c *Core) SubmitExternal(ctx *callctx.Context, parentFullCallID uint64, payloadSize int32, inline []byte) {
	ctx.SetPendingInput(payloadSize, inline)

	_, span := tracer.Start(context.Background(), "external_call", trace.WithAttributes(
		attribute.Int64("func_id", int64(ctx.Call.FuncID)),
		attribute.Int64("call_id", int64(ctx.Call.CallID)),
	))
	ctx.SetSpan(span)

	fullID := ctx.Call.Pack()
	c.mu.Lock()
	c.stats.IncIncomingExternal()
	dispatchNow := c.cap == 0 || uint64(len(c.running)) < c.cap
	if dispatchNow {
		c.running[fullID] = ctx
	} else {
		c.pending = append(c.pending, ctx)
	}
	c.mu.Unlock()

	if !dispatchNow {
		return
	}
	c.dispatchExternal(ctx, parentFullCallID, payloadSize, inline)
}

// dispatchExternal sends the Invoke for ctx outside the table lock. On
// failure it removes ctx from running_external and finalizes it with a
// dispatch-failure response.
func (c *Core) dispatchExternal(ctx *callctx.Context, parentFullCallID uint64, payloadSize int32, inline []byte) {
	d := c.dispatcherFor(ctx.Call.FuncID)
	if d == nil || !d.OnNewFuncCall(ctx.Call, parentFullCallID, payloadSize, inline) {
		c.mu.Lock()
		delete(c.running, ctx.Call.Pack())
		c.mu.Unlock()
		c.stats.IncDispatchFailure()
		ctx.FinishWithDispatchFailure(ctx.Call.FuncID)
	}
}

// OnFuncCallCompleted implements dispatch.ExternalSink: runs the
// completion algorithm for an external call that finished successfully,
// then promotes and dispatches the next pending call (if any).
func (c *Core) OnFuncCallCompleted(call faascall.FuncCall, processingNs int64, outputSize int, usesShm bool, inline []byte) {
	ctx, next := c.retireAndPromote(call.Pack())
	c.stats.IncCompleted(time.Duration(processingNs))
	c.stats.ObservePayloadSize(outputSize)

	if ctx != nil {
		c.finalizeSuccess(ctx, outputSize, usesShm, inline)
	}
	c.dispatchPromoted(next)
}

// OnFuncCallFailed implements dispatch.ExternalSink for a worker-reported
// Failure.
func (c *Core) OnFuncCallFailed(call faascall.FuncCall) {
	ctx, next := c.retireAndPromote(call.Pack())
	c.stats.IncFailed()

	if ctx != nil {
		ctx.FinishWithError()
	}
	c.dispatchPromoted(next)
}

// retireAndPromote removes fullID from running_external and, if the cap
// now permits, pops one pending context into running_external. Returns
// the retired context (nil if fullID wasn't running, e.g. already
// discarded) and the promoted context (nil if none).
func (c *Core) retireAndPromote(fullID uint64) (retired, promoted *callctx.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	retired = c.running[fullID]
	delete(c.running, fullID)

	if len(c.pending) > 0 && (c.cap == 0 || uint64(len(c.running)) < c.cap) {
		promoted = c.pending[0]
		c.pending = c.pending[1:]
		c.running[promoted.Call.Pack()] = promoted
	}
	return retired, promoted
}

func (c *Core) finalizeSuccess(ctx *callctx.Context, outputSize int, usesShm bool, inline []byte) {
	if !usesShm {
		ctx.FinishWithOutput(inline)
		return
	}
	name := faascall.OutputShmName(ctx.Call.Pack())
	if err := ctx.FinishWithShmOutput(name, outputSize); err != nil {
		c.logger.Error(err, "output shm open failed, reporting error", "call", ctx.Call.String())
		ctx.FinishWithError()
	}
}

// dispatchPromoted sends the Invoke for a just-promoted context, using
// the payload description it was submitted with (see
// callctx.Context.SetPendingInput).
func (c *Core) dispatchPromoted(ctx *callctx.Context) {
	if ctx == nil {
		return
	}
	payloadSize, inline := ctx.PendingInput()
	c.dispatchExternal(ctx, faascall.InvalidFullCallID, payloadSize, inline)
}

// ProcessDiscarded runs the discarded-call drain: it moves every
// external entry currently discarded into a local list, promotes
// pending calls while the cap allows, and then, outside the lock,
// finalizes discarded externals as dispatch failures, synthesizes
// Failure messages for discarded internal calls, and dispatches newly
// promoted calls. Call this opportunistically after every message
// handler and connection-close handler.
func (c *Core) ProcessDiscarded() {
	c.mu.Lock()
	externals := c.discardedExternal
	c.discardedExternal = nil
	internals := c.discardedInternal
	c.discardedInternal = nil

	var promoted []*callctx.Context
	for len(c.pending) > 0 && (c.cap == 0 || uint64(len(c.running)) < c.cap) {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.running[p.Call.Pack()] = p
		promoted = append(promoted, p)
	}
	c.mu.Unlock()

	for _, ctx := range externals {
		c.stats.IncDiscarded()
		c.stats.IncDispatchFailure()
		ctx.FinishWithDispatchFailure(ctx.Call.FuncID)
	}
	for _, call := range internals {
		c.stats.IncDiscarded()
		d := c.dispatcherFor(call.FuncID)
		if d != nil {
			d.OnFuncCallFailed(call, 0)
		}
	}
	for _, ctx := range promoted {
		c.dispatchPromoted(ctx)
	}
}

// DiscardWorkerCalls enumerates the calls a disconnected worker was
// running (via its Dispatcher) and pushes each into the appropriate
// discarded list, external or internal. Call this from the
// MessageConnection close handler for worker connections.
func (c *Core) DiscardWorkerCalls(funcID uint16, connID uint16) {
	d := c.dispatcherFor(funcID)
	if d == nil {
		return
	}
	call, ok := d.OnWorkerDisconnected(connID)
	if !ok {
		return
	}

	c.mu.Lock()
	if call.IsExternal() {
		if ctx, ok := c.running[call.Pack()]; ok {
			delete(c.running, call.Pack())
			c.discardedExternal = append(c.discardedExternal, ctx)
		}
	} else {
		c.discardedInternal = append(c.discardedInternal, call)
	}
	c.mu.Unlock()
}

// RunningCount returns the current size of running_external, for tests
// and the conservation-invariant checks.
func (c *Core) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// PendingCount returns the current size of pending_external.
func (c *Core) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// DispatcherFor exposes the per-func_id Dispatcher so an IPC message
// handler can route a worker's Complete/Failure reply without
// duplicating dispatch's worker-release logic here. Returns nil for an
// unknown func_id.
func (c *Core) DispatcherFor(funcID uint16) *dispatch.Dispatcher {
	return c.dispatcherFor(funcID)
}

// DispatchInternal runs the internal (worker-to-worker) call path: a
// worker's Invoke with client_id > 0 is sent straight to the target
// func_id's Dispatcher, bypassing running_external/pending_external
// entirely. On dispatch failure there is no ExternalCallContext to
// report through, so a Failure is synthesized directly back to the
// calling worker's connection.
func (c *Core) DispatchInternal(call faascall.FuncCall, parentFullCallID uint64, payloadSize int32, inline []byte) {
	d := c.dispatcherFor(call.FuncID)
	if d != nil && d.OnNewFuncCall(call, parentFullCallID, payloadSize, inline) {
		return
	}
	c.stats.IncDispatchFailure()

	callerConn, ok := c.wm.Lookup(call.ClientID)
	if !ok {
		return
	}
	msg := faascall.Message{
		Type:           faascall.FuncCallFailed,
		Call:           call,
		SentAtUnixNano: time.Now().UnixNano(),
	}
	if err := callerConn.Send(msg); err != nil {
		c.logger.Error(err, "failed forwarding internal dispatch failure", "call", call.String())
	}
}

// NewInputRegion allocates an input shm region for a call whose body
// exceeds the inline data size threshold. The caller attaches it to ctx
// via ctx.SetInputShm.
func NewInputRegion(fullCallID uint64, size int) (*shmregion.Region, error) {
	name := faascall.InputShmName(fullCallID)
	r, err := shmregion.Create(name, size, true)
	if err != nil {
		return nil, fmt.Errorf("admission: create input shm: %w", err)
	}
	return r, nil
}
