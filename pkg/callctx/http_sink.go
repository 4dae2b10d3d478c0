package callctx

import (
	"bytes"
	"fmt"
	"net/http"
)

// HTTPSink adapts an http.ResponseWriter to the Sink capability. Finish
// runs from the worker-completion callback's goroutine, not the handler
// goroutine that owns w, so the handler must block on Wait until Finish
// has written the response and returned — a live net/http.Server
// finalizes and recycles w the moment its handler function returns,
// regardless of what a different goroutine does to w afterward.
type HTTPSink struct {
	w    http.ResponseWriter
	buf  bytes.Buffer
	done chan struct{}
}

// NewHTTPSink wraps w. The response is not written to until Finish is
// called, so AppendBody calls can be buffered regardless of order.
func NewHTTPSink(w http.ResponseWriter) *HTTPSink {
	return &HTTPSink{w: w, done: make(chan struct{})}
}

func (s *HTTPSink) AppendBody(b []byte) {
	s.buf.Write(b)
}

func (s *HTTPSink) Finish(outcome Outcome, funcID uint16) {
	switch outcome {
	case OutcomeSuccess:
		s.w.WriteHeader(http.StatusOK)
		s.w.Write(s.buf.Bytes())
	case OutcomeWorkerFailure:
		s.w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(s.w, "Function call failed\n")
	case OutcomeDispatchFailure:
		s.w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(s.w, "Dispatch failed for func_id %d\n", funcID)
	}
	close(s.done)
}

// Wait blocks until Finish has written the response, so the calling
// handler can safely return afterward.
func (s *HTTPSink) Wait() {
	<-s.done
}
