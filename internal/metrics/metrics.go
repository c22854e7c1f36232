package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Retrieval outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeNotFound      = "not_found"
	OutcomeNotAuthorized = "not_authorized"
	OutcomeExpired       = "expired"
	OutcomeSendFailed    = "send_failed"
	OutcomeError         = "error"
)

// Metrics holds the bot's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	captures        *prometheus.CounterVec
	captureFailures *prometheus.CounterVec
	retrievals      *prometheus.CounterVec
	swept           prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astro",
			Name:      "viewonce_captures_total",
			Help:      "View-once media captured, by media kind.",
		}, []string{"kind"}),
		captureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astro",
			Name:      "viewonce_capture_failures_total",
			Help:      "View-once captures that failed, by stage.",
		}, []string{"stage"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "astro",
			Name:      "viewonce_retrievals_total",
			Help:      "Retrieval commands handled, by outcome.",
		}, []string{"outcome"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "astro",
			Name:      "viewonce_swept_total",
			Help:      "Expired entries evicted by the sweeper.",
		}),
	}
	reg.MustRegister(m.captures, m.captureFailures, m.retrievals, m.swept)
	return m
}

func (m *Metrics) Captured(kind string) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(kind).Inc()
}

func (m *Metrics) CaptureFailed(stage string) {
	if m == nil {
		return
	}
	m.captureFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Retrieved(outcome string) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
