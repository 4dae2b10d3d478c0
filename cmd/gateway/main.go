// Command gateway runs the FaaS front-door: it accepts external HTTP and
// gRPC invocations, admits and dispatches them to locally-connected
// function-worker processes over a Unix-domain IPC socket, and returns
// their results.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/faasgw/gateway/internal/runnable"
	"github.com/faasgw/gateway/internal/telemetry"
	"github.com/faasgw/gateway/pkg/admission"
	"github.com/faasgw/gateway/pkg/callctx"
	"github.com/faasgw/gateway/pkg/funcconfig"
	"github.com/faasgw/gateway/pkg/grpcapi"
	"github.com/faasgw/gateway/pkg/gwlog"
	"github.com/faasgw/gateway/pkg/httpapi"
	"github.com/faasgw/gateway/pkg/ipc"
	"github.com/faasgw/gateway/pkg/ipcbridge"
	"github.com/faasgw/gateway/pkg/stats"
	"github.com/faasgw/gateway/pkg/workermanager"
)

var (
	address        = pflag.String("address", "0.0.0.0", "Address the external HTTP and gRPC listeners bind to.")
	httpPort       = pflag.Int("http-port", 8080, "Port for the external HTTP surface.")
	grpcPort       = pflag.Int("grpc-port", 8081, "Port for the external gRPC surface. 0 disables it.")
	grpcHealthPort = pflag.Int("grpc-health-port", 8082, "Port for the grpc.health.v1.Health service.")
	metricsPort    = pflag.Int("metrics-port", 8083, "Port serving /metrics.")
	ipcSocketPath  = pflag.String("ipc-socket-path", "/tmp/faasgw.sock", "Unix-domain socket path launchers and workers connect to.")
	funcConfigFile = pflag.String("func-config-file", "", "Path to the function-config JSON file (required).")
	maxRunning     = pflag.Uint64("max-running-external-requests", 0, "Cap on concurrently running external requests. 0 means unlimited.")
	disableMonitor = pflag.Bool("disable-monitor", false, "Disable the container monitor LRU.")
	listenBacklog  = pflag.Int("listen-backlog", 128, "Backlog hint for the IPC listener's accept queue.")
	enablePprof    = pflag.Bool("enable-pprof", false, "Serve /debug/pprof/* on the metrics listener.")
	shutdownGrace  = pflag.Duration("shutdown-grace-period", 10*time.Second, "How long to wait after a shutdown signal before canceling in-flight work.")
	verbosity      = pflag.IntP("v", "v", gwlog.DEFAULT, "Log verbosity.")
)

// bindEnvToFlags applies environment-variable overrides before
// pflag.Parse consumes os.Args.
func bindEnvToFlags() {
	for env, flg := range map[string]string{
		"GATEWAY_ADDRESS":          "address",
		"GATEWAY_HTTP_PORT":        "http-port",
		"GATEWAY_GRPC_PORT":        "grpc-port",
		"GATEWAY_GRPC_HEALTH_PORT": "grpc-health-port",
		"GATEWAY_METRICS_PORT":     "metrics-port",
		"GATEWAY_IPC_SOCKET_PATH":  "ipc-socket-path",
		"GATEWAY_FUNC_CONFIG_FILE": "func-config-file",
	} {
		if v := os.Getenv(env); v != "" {
			_ = pflag.CommandLine.Set(flg, v)
		}
	}
}

func main() {
	bindEnvToFlags()
	pflag.Parse()

	logger := gwlog.Init(*verbosity)
	if err := run(logger); err != nil {
		logger.Error(err, "gateway exited with error")
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	shutdownTracing, err := telemetry.Init(context.Background(), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error(err, "tracing shutdown failed")
		}
	}()

	if *funcConfigFile == "" {
		return fmt.Errorf("--func-config-file is required")
	}
	fc, err := funcconfig.Load(*funcConfigFile)
	if err != nil {
		return fmt.Errorf("loading function config: %w", err)
	}
	logger.Info("function config loaded", "path", *funcConfigFile)

	wm := workermanager.New(1024, *disableMonitor, logger)
	reg := prometheus.NewRegistry()

	statsSink := stats.New(reg, callctx.InFlight)
	core := admission.New(*maxRunning, wm, fc, statsSink, logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sigCtx, cancelSig := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancelSig()
	go func() {
		<-sigCtx.Done()
		logger.Info("shutdown signal received", "grace_period", shutdownGrace.String())
		time.Sleep(*shutdownGrace)
		stop()
	}()

	health := &grpcapi.HealthServer{}

	var group runnable.Group
	group.Add(httpRunnable(core, fc, stop, logger))
	group.Add(runnable.IPCListener("ipc", *ipcSocketPath, *listenBacklog, ipcAcceptor(wm, core, fc, logger), logger))

	if *grpcPort != 0 {
		grpcSrv := grpcapi.New(core, fc, logger).NewGRPCServer()
		group.Add(runnable.GRPCServer("grpc", grpcSrv, fmt.Sprintf("%s:%d", *address, *grpcPort), logger))
	}

	healthSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(healthSrv, health)
	group.Add(runnable.GRPCServer("grpc-health", healthSrv, fmt.Sprintf("%s:%d", *address, *grpcHealthPort), logger))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if *enablePprof {
		runnable.RegisterPprofHandlers(metricsMux)
	}
	group.Add(runnable.HTTPServer("metrics", &http.Server{Handler: metricsMux}, fmt.Sprintf("%s:%d", *address, *metricsPort), logger))

	group.Add(func(ctx context.Context) error {
		statsSink.RunAggregator(ctx, time.Second)
		return nil
	})

	health.SetReady(true)
	logger.Info("gateway ready", "http_port", *httpPort, "grpc_port", *grpcPort, "ipc_socket", *ipcSocketPath)

	return group.Run(ctx)
}

func httpRunnable(core *admission.Core, fc *funcconfig.Config, shutdown context.CancelFunc, logger logr.Logger) runnable.Func {
	srv := httpapi.New(core, fc, shutdown, logger)
	httpSrv := &http.Server{Handler: srv.Handler()}
	return runnable.HTTPServer("http", httpSrv, fmt.Sprintf("%s:%d", *address, *httpPort), logger)
}

// nextConnID hands out monotonically increasing, wrap-safe connection ids
// for accepted IPC sockets, shared by every ipcAcceptor callback.
var nextConnID uint32

func ipcAcceptor(wm *workermanager.Manager, core *admission.Core, fc *funcconfig.Config, logger logr.Logger) func(net.Conn) {
	handler := ipcbridge.New(wm, core, logger)
	return func(nc net.Conn) {
		id := uint16(atomic.AddUint32(&nextConnID, 1))
		conn := ipc.New(id, nc, fc, handler, logger)
		go func() {
			if err := conn.Serve(); err != nil {
				logger.Error(err, "ipc connection terminated", "conn_id", id)
			}
		}()
	}
}
