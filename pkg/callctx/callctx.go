// Package callctx implements ExternalCallContext: the in-flight state of
// one external (HTTP or gRPC) invocation. It owns the response sink, any
// shm regions allocated for the call, and guarantees its response is
// finalized exactly once.
package callctx

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/shmregion"
)

// Sink is the tagged-union response destination an ExternalCallContext
// writes to: an HTTP ResponseWriter wrapper or a gRPC unary call wrapper.
// Both variants implement the same two-method capability.
type Sink interface {
	// AppendBody writes b to the response body.
	AppendBody(b []byte)
	// Finish completes the response according to outcome. Called at
	// most once.
	Finish(outcome Outcome, funcID uint16)
}

// Outcome classifies how an ExternalCallContext finalized, so a Sink can
// map it to the protocol-appropriate status.
type Outcome int

const (
	// OutcomeSuccess: the worker completed the call; body already holds
	// the output bytes.
	OutcomeSuccess Outcome = iota
	// OutcomeWorkerFailure: the worker reported a Failure message.
	OutcomeWorkerFailure
	// OutcomeDispatchFailure: no dispatcher, no worker, a send failure,
	// or the call was discarded.
	OutcomeDispatchFailure
)

// inFlight is the process-wide count of live ExternalCallContexts,
// incremented on creation and decremented on finalization.
var inFlight int64

// InFlight returns the current number of unfinalized external contexts.
func InFlight() int64 { return atomic.LoadInt64(&inFlight) }

// Context is one external call's lifetime state.
type Context struct {
	Call faascall.FuncCall

	sink      Sink
	inputShm  *shmregion.Region
	outputShm *shmregion.Region
	span      trace.Span

	// payloadSize/inline describe this call's input, exactly as it will
	// be sent in an Invoke message: set once at admission time and read
	// again if the call sits in pending_external before being promoted
	// and dispatched.
	payloadSize int32
	inline      []byte

	once     sync.Once
	finished bool
}

// New constructs a Context for call, wired to sink. The in-flight
// counter is incremented immediately; callers must eventually call one
// of the Finish* methods.
func New(call faascall.FuncCall, sink Sink) *Context {
	atomic.AddInt64(&inFlight, 1)
	return &Context{Call: call, sink: sink}
}

// SetPendingInput records the payload this call's eventual Invoke
// message will carry, so a call admitted into pending_external can be
// dispatched later with the same payload description it was submitted
// with.
func (c *Context) SetPendingInput(payloadSize int32, inline []byte) {
	c.payloadSize = payloadSize
	c.inline = inline
}

// PendingInput returns the payload description set by SetPendingInput.
func (c *Context) PendingInput() (int32, []byte) {
	return c.payloadSize, c.inline
}

// SetInputShm records the input region this context created, so it can
// be closed (and, since external input regions are always
// remove-on-destroy, unlinked) once the context finalizes.
func (c *Context) SetInputShm(r *shmregion.Region) {
	c.inputShm = r
}

// SetSpan attaches the OpenTelemetry span AdmissionCore started at
// admission for this call. finish ends it with an outcome attribute
// once the call is finalized.
func (c *Context) SetSpan(span trace.Span) {
	c.span = span
}

// FinishWithOutput delivers an inline success payload.
func (c *Context) FinishWithOutput(body []byte) {
	c.finish(OutcomeSuccess, func() {
		c.sink.AppendBody(body)
		c.sink.Finish(OutcomeSuccess, 0)
	})
}

// FinishWithShmOutput opens the named output region, appends its bytes,
// and finalizes as a success. Returns an error if the region cannot be
// opened; callers should fall back to FinishWithError in that case.
func (c *Context) FinishWithShmOutput(name string, size int) error {
	region, err := shmregion.Open(name, size, true)
	if err != nil {
		return fmt.Errorf("callctx: open output shm %q: %w", name, err)
	}
	c.outputShm = region
	c.finish(OutcomeSuccess, func() {
		c.sink.AppendBody(region.Bytes())
		c.sink.Finish(OutcomeSuccess, 0)
	})
	return nil
}

// FinishWithError finalizes the context after a worker-reported Failure.
func (c *Context) FinishWithError() {
	c.finish(OutcomeWorkerFailure, func() {
		c.sink.Finish(OutcomeWorkerFailure, 0)
	})
}

// FinishWithDispatchFailure finalizes the context when no worker could
// be reached for funcID: no dispatcher, no ready worker, a send
// failure, or the call was discarded after its worker vanished.
func (c *Context) FinishWithDispatchFailure(funcID uint16) {
	c.finish(OutcomeDispatchFailure, func() {
		c.sink.Finish(OutcomeDispatchFailure, funcID)
	})
}

// finish runs body at most once and releases the context's shm regions,
// span, and in-flight slot afterward. A second call is a silent no-op:
// a context that never finalizes is a programming error, but a
// double-finalize attempt is defused rather than panicking, since it
// can only be reached by a logic bug in a caller we don't control at
// this layer.
func (c *Context) finish(outcome Outcome, body func()) {
	c.once.Do(func() {
		body()
		if c.inputShm != nil {
			c.inputShm.Close()
		}
		if c.outputShm != nil {
			c.outputShm.Close()
		}
		if c.span != nil {
			c.span.SetAttributes(attribute.String("outcome", outcomeString(outcome)))
			c.span.End()
		}
		c.finished = true
		atomic.AddInt64(&inFlight, -1)
	})
}

func outcomeString(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeWorkerFailure:
		return "worker_failure"
	case OutcomeDispatchFailure:
		return "dispatch_failure"
	default:
		return "unknown"
	}
}

// Finished reports whether this context has already finalized, for
// assertions in tests and discard-sweep bookkeeping.
func (c *Context) Finished() bool {
	return c.finished
}
