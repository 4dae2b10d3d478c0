// Package grpcapi is the gateway's external gRPC surface. The set of
// (service, method) pairs it serves is data-driven from FuncConfig and
// not known at compile time, so the server is built with
// grpc.UnknownServiceHandler plus a codec that passes message bytes
// through untouched instead of decoding a generated proto type.
package grpcapi

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/faasgw/gateway/pkg/admission"
	"github.com/faasgw/gateway/pkg/callctx"
	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/funcconfig"
)

// Server dispatches unary gRPC calls for every (service, method) pair
// registered in FuncConfig against a shared AdmissionCore.
type Server struct {
	core   *admission.Core
	fc     *funcconfig.Config
	logger logr.Logger
}

// New builds a Server.
func New(core *admission.Core, fc *funcconfig.Config, logger logr.Logger) *Server {
	return &Server{core: core, fc: fc, logger: logger.WithName("grpcapi")}
}

// NewGRPCServer constructs a *grpc.Server whose only registered surface
// is s's dynamic UnknownServiceHandler, forced onto the raw-bytes codec
// so no service descriptor is required to decode a request.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}), grpc.UnknownServiceHandler(s.handleUnary))
	return grpc.NewServer(opts...)
}

// handleUnary implements grpc.StreamHandler for every method the server
// receives, since none are known at registration time.
func (s *Server) handleUnary(_ interface{}, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "grpcapi: method name unavailable")
	}
	service, method, err := splitFullMethod(fullMethod)
	if err != nil {
		return status.Errorf(codes.NotFound, "grpcapi: malformed method %q", fullMethod)
	}

	if !s.fc.HasGRPCService(service) {
		return status.Errorf(codes.NotFound, "unknown service %q", service)
	}
	funcID, methodID, ok := s.fc.ByGRPCMethod(service, method)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown method %q on service %q", method, service)
	}

	var body []byte
	if err := stream.RecvMsg(&body); err != nil {
		return status.Errorf(codes.Internal, "grpcapi: failed to read request: %v", err)
	}

	call := faascall.FuncCall{FuncID: funcID, MethodID: methodID, CallID: s.core.NextCallID()}
	sink := callctx.NewGRPCSink()
	ctx := callctx.New(call, sink)
	s.submit(ctx, call, funcID, body)

	out, err := sink.Wait()
	if err != nil {
		return err
	}
	return stream.SendMsg(&out)
}

// submit runs the same input-shm decision as the HTTP surface before
// handing the call to AdmissionCore.
func (s *Server) submit(ctx *callctx.Context, call faascall.FuncCall, funcID uint16, body []byte) {
	if len(body) <= faascall.InlineDataSize {
		s.core.SubmitExternal(ctx, faascall.InvalidFullCallID, int32(len(body)), body)
		return
	}

	region, err := admission.NewInputRegion(call.Pack(), len(body))
	if err != nil {
		s.logger.Error(err, "input shm allocation failed", "call", call.String())
		ctx.FinishWithDispatchFailure(funcID)
		return
	}
	if _, err := region.WriteAt(body, 0); err != nil {
		s.logger.Error(err, "input shm write failed", "call", call.String())
		region.Close()
		ctx.FinishWithDispatchFailure(funcID)
		return
	}
	ctx.SetInputShm(region)
	s.core.SubmitExternal(ctx, faascall.InvalidFullCallID, -int32(len(body)), nil)
}

// splitFullMethod splits a gRPC full method name ("/service/method")
// into its two parts.
func splitFullMethod(fullMethod string) (service, method string, err error) {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("grpcapi: no method separator in %q", fullMethod)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

// rawCodec passes message bytes through unmodified. ForceServerCodec
// binds it to one *grpc.Server instance only, so it never interferes
// with a normally-coded server such as the health service.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("grpcapi: rawCodec.Marshal: unexpected type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpcapi: rawCodec.Unmarshal: unexpected type %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }
