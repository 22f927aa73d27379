package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "breeze_dm"

// Login outcomes.
const (
	LoginSucceeded = "succeeded"
	LoginFailed    = "failed"
	LoginRejected  = "rejected"
	LoginThrottled = "throttled"
)

// Greeter connection outcomes.
const (
	ConnAccepted    = "accepted"
	ConnRateLimited = "rate_limited"
	ConnTooMany     = "too_many"
	ConnPeerError   = "peer_error"
)

// Metrics holds the daemon's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DisplayStarts    *prometheus.CounterVec
	DisplayStops     *prometheus.CounterVec
	DisplayState     *prometheus.GaugeVec
	SessionActive    *prometheus.GaugeVec
	LoginAttempts    *prometheus.CounterVec
	CredentialChecks prometheus.Histogram

	GreeterConnections      prometheus.Gauge
	GreeterConnectionsTotal *prometheus.CounterVec

	ChildExits *prometheus.CounterVec

	StateSaveFailures *prometheus.CounterVec

	Uptime    prometheus.GaugeFunc
	startTime time.Time
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	m.DisplayStarts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "display_starts_total",
		Help:      "Display start attempts by result",
	}, []string{"display", "result"})

	m.DisplayStops = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "display_stops_total",
		Help:      "Display stops by reason",
	}, []string{"display", "reason"})

	m.DisplayState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "display_state",
		Help:      "Current orchestrator state (0 stopped, 1 starting, 2 autologin, 3 interactive, 4 stopping)",
	}, []string{"display"})

	m.SessionActive = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_active",
		Help:      "1 while a user session runs on the display",
	}, []string{"display"})

	m.LoginAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Greeter login requests by outcome",
	}, []string{"display", "result"})

	m.CredentialChecks = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "credential_check_duration_seconds",
		Help:      "Time spent verifying a user's password",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	m.GreeterConnections = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "greeter_connections",
		Help:      "Open greeter socket connections",
	})

	m.GreeterConnectionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "greeter_connections_total",
		Help:      "Greeter connection attempts by outcome",
	}, []string{"result"})

	m.ChildExits = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "child_exits_total",
		Help:      "Unexpected exits of supervised processes",
	}, []string{"child"})

	m.StateSaveFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_save_failures_total",
		Help:      "Failed writes of the last user and session state file",
	}, []string{"display"})

	m.Uptime = f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the daemon started",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

func (m *Metrics) DisplayStarted(display string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DisplayStarts.WithLabelValues(display, result).Inc()
}

func (m *Metrics) DisplayStopped(display, reason string) {
	if m == nil {
		return
	}
	m.DisplayStops.WithLabelValues(display, reason).Inc()
}

func (m *Metrics) SetState(display string, state int) {
	if m == nil {
		return
	}
	m.DisplayState.WithLabelValues(display).Set(float64(state))
}

func (m *Metrics) SetSessionActive(display string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.SessionActive.WithLabelValues(display).Set(v)
}

func (m *Metrics) Login(display, result string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(display, result).Inc()
}

func (m *Metrics) ObserveCredentialCheck(d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialChecks.Observe(d.Seconds())
}

func (m *Metrics) GreeterConnected(result string) {
	if m == nil {
		return
	}
	m.GreeterConnectionsTotal.WithLabelValues(result).Inc()
	if result == ConnAccepted {
		m.GreeterConnections.Inc()
	}
}

func (m *Metrics) GreeterDisconnected() {
	if m == nil {
		return
	}
	m.GreeterConnections.Dec()
}

func (m *Metrics) ChildExited(child string) {
	if m == nil {
		return
	}
	m.ChildExits.WithLabelValues(child).Inc()
}

func (m *Metrics) StateSaveFailed(display string) {
	if m == nil {
		return
	}
	m.StateSaveFailures.WithLabelValues(display).Inc()
}
