// Package runnable provides a small context-driven lifecycle abstraction
// used to start and gracefully stop the gateway's HTTP, gRPC, and IPC
// listeners uniformly.
package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
)

// Func is a runnable: it blocks until ctx is done or it fails, then
// returns. Group.Run starts a set of these and waits for all of them.
type Func func(ctx context.Context) error

// GRPCServer converts the given gRPC server into a Func bound to addr.
// The name is only used for logging.
func GRPCServer(name string, srv *grpc.Server, addr string, logger logr.Logger) Func {
	return func(ctx context.Context) error {
		log := logger.WithValues("runnable", name)
		log.Info("gRPC server starting")

		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%s: failed to listen: %w", name, err)
		}
		log.Info("gRPC server listening", "addr", addr)

		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				log.Info("gRPC server shutting down")
				srv.GracefulStop()
			case <-doneCh:
			}
		}()

		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			return fmt.Errorf("%s: serve failed: %w", name, err)
		}
		log.Info("gRPC server terminated")
		return nil
	}
}

// HTTPServer converts srv into a Func bound to addr. srv.Handler must
// already be set; this only owns listen/serve/shutdown.
func HTTPServer(name string, srv *http.Server, addr string, logger logr.Logger) Func {
	srv.Addr = addr
	return func(ctx context.Context) error {
		log := logger.WithValues("runnable", name)
		log.Info("HTTP server starting", "addr", addr)

		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				log.Info("HTTP server shutting down")
				_ = srv.Shutdown(context.Background())
			case <-doneCh:
			}
		}()

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: serve failed: %w", name, err)
		}
		log.Info("HTTP server terminated")
		return nil
	}
}

// IPCListener accepts connections on a Unix-domain socket at path and
// hands each one to accept. accept should assign the connection a
// stable id and run its own blocking Serve loop in a new goroutine; it
// must return promptly so the accept loop can continue.
func IPCListener(name string, path string, backlog int, accept func(net.Conn), logger logr.Logger) Func {
	return func(ctx context.Context) error {
		log := logger.WithValues("runnable", name)

		_ = backlog // net.Listen has no portable backlog knob; kept for CLI-surface fidelity with the watchdog's listen(2) backlog.
		lis, err := net.Listen("unix", path)
		if err != nil {
			return fmt.Errorf("%s: failed to listen on %s: %w", name, path, err)
		}
		log.Info("IPC listener accepting", "path", path)

		doneCh := make(chan struct{})
		defer close(doneCh)
		go func() {
			select {
			case <-ctx.Done():
				log.Info("IPC listener shutting down")
				_ = lis.Close()
			case <-doneCh:
			}
		}()

		for {
			nc, err := lis.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return fmt.Errorf("%s: accept failed: %w", name, err)
				}
			}
			accept(nc)
		}
	}
}

// Group runs a set of Funcs concurrently and waits for all to return.
// Every non-nil error is returned, combined into one; ctx should be
// canceled by the caller to trigger a coordinated shutdown of every
// runnable in the group.
type Group struct {
	fns []Func
}

// Add registers a runnable with the group.
func (g *Group) Add(fn Func) {
	g.fns = append(g.fns, fn)
}

// Run starts every registered runnable and blocks until all of them
// return, combining every non-nil error into one via multierr so a
// listener that fails to shut down cleanly doesn't hide an earlier
// serve failure from a sibling runnable.
func (g *Group) Run(ctx context.Context) error {
	errCh := make(chan error, len(g.fns))
	for _, fn := range g.fns {
		fn := fn
		go func() { errCh <- fn(ctx) }()
	}
	var err error
	for range g.fns {
		err = multierr.Append(err, <-errCh)
	}
	return err
}
