// Package stats is the gateway's conservation-invariant-observing sink:
// Prometheus counters for each correlation-table transition, a gauge for
// the instant external request rate, and a periodic aggregation
// goroutine, registered directly against prometheus/client_golang.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "faas_gateway"

// Sink is the process-wide counter set. All Inc/Observe calls are safe
// to invoke from any goroutine. The admission core calls
// IncIncomingExternal while holding its correlation-table lock; the
// completion, failure, dispatch-failure and discard counters are
// updated after that lock is released, so their order relative to the
// table transitions they report is not fixed.
type Sink struct {
	incomingExternal  prometheus.Counter
	completed         prometheus.Counter
	failed            prometheus.Counter
	dispatchFailures  prometheus.Counter
	discardedCalls    prometheus.Counter
	inFlightGauge     prometheus.GaugeFunc
	instantRPS        prometheus.Gauge
	dispatchDelay     prometheus.Histogram
	processingTime    prometheus.Histogram
	payloadSizeBytes  prometheus.Histogram

	mu          sync.Mutex
	rpsWindow   []time.Time
	inFlightFn  func() int64
}

// New builds a Sink and registers its metrics with reg. inFlight
// reports the live ExternalCallContext count (typically callctx.InFlight).
func New(reg prometheus.Registerer, inFlight func() int64) *Sink {
	s := &Sink{
		incomingExternal: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "incoming_external_total",
			Help: "External invocations admitted or queued.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "completed_total",
			Help: "External invocations completed successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "failed_total",
			Help: "External invocations that received a worker Failure.",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "dispatch_failures_total",
			Help: "External invocations that could not be dispatched to any worker.",
		}),
		discardedCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem, Name: "discarded_calls_total",
			Help: "Calls whose worker or launcher vanished mid-flight.",
		}),
		instantRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem, Name: "external_requests_instant_rps",
			Help: "Sampled external admission rate over the trailing second.",
		}),
		dispatchDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem, Name: "dispatch_delay_seconds",
			Help:    "Time from admission to Invoke being sent.",
			Buckets: prometheus.DefBuckets,
		}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem, Name: "processing_time_seconds",
			Help:    "Worker-reported processing time for completed calls.",
			Buckets: prometheus.DefBuckets,
		}),
		payloadSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem, Name: "payload_size_bytes",
			Help:    "Inline or shm payload size for completed calls.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 12),
		}),
		inFlightFn: inFlight,
	}
	s.inFlightGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: subsystem, Name: "in_flight_external",
		Help: "ExternalCallContexts currently unfinalized.",
	}, func() float64 { return float64(s.inFlightFn()) })

	reg.MustRegister(
		s.incomingExternal, s.completed, s.failed, s.dispatchFailures,
		s.discardedCalls, s.instantRPS, s.dispatchDelay, s.processingTime,
		s.payloadSizeBytes, s.inFlightGauge,
	)
	return s
}

// IncIncomingExternal records one external submission (admitted or
// queued); called under the admission lock at the start of the
// admission algorithm.
func (s *Sink) IncIncomingExternal() {
	s.incomingExternal.Inc()
	s.mu.Lock()
	s.rpsWindow = append(s.rpsWindow, time.Now())
	s.mu.Unlock()
	s.refreshRPS()
}

// IncCompleted records one successful completion.
func (s *Sink) IncCompleted(processingTime time.Duration) {
	s.completed.Inc()
	if processingTime > 0 {
		s.processingTime.Observe(processingTime.Seconds())
	}
}

// IncFailed records one worker-reported failure.
func (s *Sink) IncFailed() {
	s.failed.Inc()
}

// IncDispatchFailure records one dispatch failure (no dispatcher, no
// worker, send failure, or a discarded call resolved as such).
func (s *Sink) IncDispatchFailure() {
	s.dispatchFailures.Inc()
}

// IncDiscarded records one call pushed onto discarded_calls.
func (s *Sink) IncDiscarded() {
	s.discardedCalls.Inc()
}

// ObserveDispatchDelay records the admission-to-Invoke latency.
func (s *Sink) ObserveDispatchDelay(d time.Duration) {
	s.dispatchDelay.Observe(d.Seconds())
}

// ObservePayloadSize records a completed call's payload size.
func (s *Sink) ObservePayloadSize(n int) {
	s.payloadSizeBytes.Observe(float64(n))
}

// refreshRPS trims the 1-second sliding window of admission timestamps
// and republishes its length as the instant-RPS gauge.
func (s *Sink) refreshRPS() {
	now := time.Now()
	cutoff := now.Add(-time.Second)
	s.mu.Lock()
	i := 0
	for i < len(s.rpsWindow) && s.rpsWindow[i].Before(cutoff) {
		i++
	}
	s.rpsWindow = s.rpsWindow[i:]
	n := len(s.rpsWindow)
	s.mu.Unlock()
	s.instantRPS.Set(float64(n))
}

// RunAggregator periodically decays the instant-RPS window until ctx is
// done. The gauge is otherwise only refreshed on admission events, so a
// quiet period would leave a stale nonzero reading without this tick.
func (s *Sink) RunAggregator(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRPS()
		}
	}
}
