// Package telemetry sets up OpenTelemetry tracing for the gateway: one
// span per external invocation, exported to an OTLP collector or to the
// console.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/faasgw/gateway/pkg/gwlog"
)

// BuildVersion is stamped by the build; defaults to "dev".
var BuildVersion = "dev"

type errorHandler struct {
	logger logr.Logger
}

func (h *errorHandler) Handle(err error) {
	h.logger.V(gwlog.DEFAULT).Error(err, "trace error occurred")
}

// Init wires up the global TracerProvider and returns a shutdown func that
// must be called (typically deferred from main) before process exit.
func Init(ctx context.Context, logger logr.Logger) (func(context.Context) error, error) {
	logger = logger.WithName("trace")
	errHandler := &errorHandler{logger: logger}

	if _, ok := os.LookupEnv("OTEL_SERVICE_NAME"); !ok {
		os.Setenv("OTEL_SERVICE_NAME", "faas-gateway")
	}
	if _, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !ok {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")
	}

	exporter, err := newExporter(ctx, logger)
	if err != nil {
		errHandler.Handle(fmt.Errorf("init trace exporter failed: %w", err))
		return nil, err
	}

	samplerARG, ok := os.LookupEnv("OTEL_TRACES_SAMPLER_ARG")
	fraction := 0.1
	if ok {
		if v, err := strconv.ParseFloat(samplerARG, 64); err == nil {
			fraction = v
		}
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceVersionKey.String(BuildVersion),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(errHandler)

	return tp.Shutdown, nil
}

// newExporter builds the span exporter named by OTEL_TRACES_EXPORTER
// ("console", the default, or "otlp").
func newExporter(ctx context.Context, logger logr.Logger) (sdktrace.SpanExporter, error) {
	exporterType, ok := os.LookupEnv("OTEL_TRACES_EXPORTER")
	if !ok {
		exporterType = "console"
	}
	logger.Info("init OTel trace exporter", "type", exporterType)

	if exporterType == "otlp" {
		return otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
	}
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}
