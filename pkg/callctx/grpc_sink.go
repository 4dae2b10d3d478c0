package callctx

import (
	"bytes"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcResult is what a GRPCSink hands back to the blocked RPC handler
// once the call finalizes.
type grpcResult struct {
	body []byte
	err  error
}

// GRPCSink adapts a dynamically-dispatched unary gRPC call (handled via
// grpc.UnknownServiceHandler, so there is no generated method signature
// to return from directly) to the Sink capability. The handler
// goroutine blocks on Wait until Finish delivers a result.
type GRPCSink struct {
	buf  bytes.Buffer
	done chan grpcResult
}

// NewGRPCSink constructs a sink ready to receive AppendBody/Finish calls
// from the dispatch path while a handler goroutine waits on it.
func NewGRPCSink() *GRPCSink {
	return &GRPCSink{done: make(chan grpcResult, 1)}
}

func (s *GRPCSink) AppendBody(b []byte) {
	s.buf.Write(b)
}

func (s *GRPCSink) Finish(outcome Outcome, funcID uint16) {
	switch outcome {
	case OutcomeSuccess:
		s.done <- grpcResult{body: append([]byte(nil), s.buf.Bytes()...)}
	case OutcomeWorkerFailure:
		s.done <- grpcResult{err: status.Error(codes.Unknown, "function call failed")}
	case OutcomeDispatchFailure:
		s.done <- grpcResult{err: status.Errorf(codes.Unimplemented, "dispatch failed for func_id %d", funcID)}
	}
}

// Wait blocks until Finish has run and returns the resulting response
// bytes or gRPC status error.
func (s *GRPCSink) Wait() ([]byte, error) {
	r := <-s.done
	return r.body, r.err
}
