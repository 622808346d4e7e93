// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CodesIssued   prometheus.Counter
	CodesRedeemed prometheus.Counter
	CodesExpired  prometheus.Counter
	Pairings      prometheus.Counter
	Commands      *prometheus.CounterVec // labels: command, outcome
	Lookups       *prometheus.CounterVec // labels: result
	SendsDropped  *prometheus.CounterVec // labels: network
	Reconnects    *prometheus.CounterVec // labels: network
	EventsHandled *prometheus.CounterVec // labels: network, kind

	// Histograms (seconds)
	LookupDuration prometheus.Observer

	// Gauges
	OutstandingCodesGauge prometheus.Gauge
	PairedAccountsGauge   prometheus.Gauge
	AdapterUpGauge        *prometheus.GaugeVec // labels: network; 1=up,0=down
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CodesIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_codes_issued_total", Help: "Number of verification codes issued"})
		CodesRedeemed = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_codes_redeemed_total", Help: "Number of verification codes redeemed"})
		CodesExpired = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_codes_expired_total", Help: "Number of verification codes retired after their TTL"})
		Pairings = promauto.NewCounter(prometheus.CounterOpts{Name: "bridge_pairings_total", Help: "Number of pairings committed"})
		Commands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_commands_total", Help: "Commands dispatched by name and outcome"}, []string{"command", "outcome"})
		Lookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_identity_lookups_total", Help: "IRC identity lookups by result"}, []string{"result"})
		SendsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_sends_dropped_total", Help: "Outbound messages dropped because the adapter was down"}, []string{"network"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_adapter_reconnects_total", Help: "Adapter reconnect attempts"}, []string{"network"})
		EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bridge_events_total", Help: "Inbound adapter events processed by the bridge loop"}, []string{"network", "kind"})
		LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bridge_identity_lookup_duration_seconds", Help: "Identity lookup round-trip seconds", Buckets: prometheus.DefBuckets})
		OutstandingCodesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_outstanding_codes", Help: "Verification codes currently outstanding"})
		PairedAccountsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bridge_paired_accounts", Help: "Accounts currently paired"})
		AdapterUpGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "bridge_adapter_up", Help: "Adapter session state up=1 down=0"}, []string{"network"})
	})
}

// CodeIssued counts an issued code.
func CodeIssued() { inc(CodesIssued) }

// CodeRedeemed counts a redeemed code.
func CodeRedeemed() { inc(CodesRedeemed) }

// CodeExpired counts a code retired by its TTL.
func CodeExpired() { inc(CodesExpired) }

// PairingCommitted counts a committed pairing.
func PairingCommitted() { inc(Pairings) }

// CommandDispatched records a command outcome (ok, unknown, panic, ...).
func CommandDispatched(command, outcome string) {
	if Commands != nil {
		Commands.WithLabelValues(command, outcome).Inc()
	}
}

// LookupResult records an identity lookup outcome.
func LookupResult(result string) {
	if Lookups != nil {
		Lookups.WithLabelValues(result).Inc()
	}
}

// SendDropped records an outbound message dropped on network.
func SendDropped(network string) {
	if SendsDropped != nil {
		SendsDropped.WithLabelValues(network).Inc()
	}
}

// Reconnect records a reconnect attempt on network.
func Reconnect(network string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(network).Inc()
	}
}

// EventHandled records one processed inbound event.
func EventHandled(network, kind string) {
	if EventsHandled != nil {
		EventsHandled.WithLabelValues(network, kind).Inc()
	}
}

// SetAdapterUp sets the session gauge for network.
func SetAdapterUp(network string, up bool) {
	if AdapterUpGauge == nil {
		return
	}
	if up {
		AdapterUpGauge.WithLabelValues(network).Set(1)
	} else {
		AdapterUpGauge.WithLabelValues(network).Set(0)
	}
}

// SetOutstandingCodes records the current outstanding code count.
func SetOutstandingCodes(n int) {
	if OutstandingCodesGauge != nil {
		OutstandingCodesGauge.Set(float64(n))
	}
}

// SetPairedAccounts records the current pairing count.
func SetPairedAccounts(n int) {
	if PairedAccountsGauge != nil {
		PairedAccountsGauge.Set(float64(n))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
