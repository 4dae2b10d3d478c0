// Package httpapi is the gateway's external HTTP surface: function
// invocation, a liveness probe, and cooperative shutdown.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/faasgw/gateway/pkg/admission"
	"github.com/faasgw/gateway/pkg/callctx"
	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/funcconfig"
)

// Server routes POST /function/{name}, GET /hello, and POST /shutdown
// against a shared AdmissionCore.
type Server struct {
	core     *admission.Core
	fc       *funcconfig.Config
	shutdown context.CancelFunc
	logger   logr.Logger
}

// New builds a Server. shutdown is invoked once, after the response to
// POST /shutdown is written, to begin the gateway's coordinated stop.
func New(core *admission.Core, fc *funcconfig.Config, shutdown context.CancelFunc, logger logr.Logger) *Server {
	return &Server{core: core, fc: fc, shutdown: shutdown, logger: logger.WithName("httpapi")}
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/hello", s.handleHello).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/function/{name}", s.handleFunction).Methods(http.MethodPost)
	return r
}

func (s *Server) handleHello(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Hello world\n")
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Server is shutting down\n")
	if s.shutdown != nil {
		s.shutdown()
	}
}

// handleFunction resolves name against FuncConfig, decides the
// inline-vs-shm payload path, then hands the call to
// AdmissionCore.SubmitExternal. The response is written asynchronously,
// by ctx's Sink, once the call finalizes — from the worker-completion
// callback's goroutine, not this one — so the handler blocks on the
// sink until that write has happened before returning, matching the
// gRPC surface's GRPCSink.Wait.
func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	entry, ok := s.fc.ByFuncName(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Dispatch failed for func_id %d\n", 0)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	call := faascall.FuncCall{FuncID: entry.FuncID, CallID: s.core.NextCallID()}
	sink := callctx.NewHTTPSink(w)
	ctx := callctx.New(call, sink)
	defer sink.Wait()

	if len(body) <= faascall.InlineDataSize {
		s.core.SubmitExternal(ctx, faascall.InvalidFullCallID, int32(len(body)), body)
		return
	}

	region, err := admission.NewInputRegion(call.Pack(), len(body))
	if err != nil {
		s.logger.Error(err, "input shm allocation failed", "call", call.String())
		ctx.FinishWithDispatchFailure(entry.FuncID)
		return
	}
	if _, err := region.WriteAt(body, 0); err != nil {
		s.logger.Error(err, "input shm write failed", "call", call.String())
		region.Close()
		ctx.FinishWithDispatchFailure(entry.FuncID)
		return
	}
	ctx.SetInputShm(region)
	s.core.SubmitExternal(ctx, faascall.InvalidFullCallID, -int32(len(body)), nil)
}
