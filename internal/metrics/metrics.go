package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()

    // PositionUpdates counts ingested position updates by outcome
    // (processed, rejected, rate_limited, inconclusive)
    PositionUpdates = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "offroute_position_updates_total", Help: "Position updates by outcome."},
        []string{"outcome"},
    )
    // Transitions counts off-route state transitions by resulting status
    Transitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "offroute_transitions_total", Help: "State transitions by resulting status."},
        []string{"status"},
    )
    // TickDuration records the duration of one re-evaluation pass in seconds
    TickDuration = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "offroute_tick_duration_seconds", Help: "Duration of one periodic re-evaluation pass.", Buckets: prometheus.DefBuckets},
    )
    // Notifications counts notification dispatches by status
    Notifications = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "offroute_notifications_total", Help: "Notification dispatches by delivery status."},
        []string{"status"},
    )
    // ActiveEvents tracks currently open off-route events
    ActiveEvents = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "offroute_active_events", Help: "Open off-route events."},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(PositionUpdates)
        Registry.MustRegister(Transitions)
        Registry.MustRegister(TickDuration)
        Registry.MustRegister(Notifications)
        Registry.MustRegister(ActiveEvents)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
