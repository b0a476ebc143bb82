package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the dispatch service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // OptimizeDuration records optimizer wall time by mode (full, incremental)
    OptimizeDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "optimizer_run_seconds", Help: "Optimizer run duration in seconds.", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10}},
        []string{"mode"},
    )
    // OptimizeUnassigned counts stops left unassigned by reason code
    OptimizeUnassigned = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "optimizer_unassigned_total", Help: "Stops left unassigned by reason."},
        []string{"reason"},
    )
    OptimizeBudgetExceeded = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "optimizer_budget_exceeded_total", Help: "Optimizer runs that hit their time budget."},
    )

    // StoreMutations counts route mutations by kind and result
    StoreMutations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "route_mutations_total", Help: "Route store mutations by kind and result."},
        []string{"kind", "result"},
    )

    HubSessions = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{Name: "hub_sessions", Help: "Attached hub sessions by role."},
        []string{"role"},
    )
    // HubResyncs counts snapshot fallbacks by cause (lag, gap)
    HubResyncs = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_resyncs_total", Help: "Subscriber snapshot resyncs by cause."},
        []string{"cause"},
    )
    HubMessagesOut = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_messages_out_total", Help: "Messages queued to sessions by kind."},
        []string{"kind"},
    )
    // HubControlDropped counts acks, errors and alerts dropped from lagging sessions
    HubControlDropped = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_control_dropped_total", Help: "Control messages dropped from lagging sessions by kind."},
        []string{"kind"},
    )
    HubAlerts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "hub_alerts_total", Help: "Driver liveness alerts by state."},
        []string{"state"},
    )

    // NotificationDeliveries counts notification outcomes by sink and status
    NotificationDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notification_deliveries_total", Help: "Notification deliveries by sink and status."},
        []string{"sink", "status"},
    )
    // NotificationLatency tracks sink delivery latencies in milliseconds
    NotificationLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "notification_delivery_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"sink"},
    )

    AnalyticsOnTimeRate = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "analytics_on_time_rate", Help: "On-time rate over the default window."},
    )
    AnalyticsDurationVariance = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "analytics_route_duration_variance_seconds2", Help: "Variance of route duration deviation over the default window."},
    )
    AnalyticsDistanceEfficiency = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "analytics_distance_efficiency", Help: "Estimated over actual distance for finished routes."},
    )
    AnalyticsCompleted = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "analytics_completed_stops", Help: "Completed stops over the default window."},
    )
)

// RegisterDefault registers collectors to the dedicated registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(OptimizeDuration, OptimizeUnassigned, OptimizeBudgetExceeded)
        Registry.MustRegister(StoreMutations)
        Registry.MustRegister(HubSessions, HubResyncs, HubMessagesOut, HubControlDropped, HubAlerts)
        Registry.MustRegister(NotificationDeliveries, NotificationLatency)
        Registry.MustRegister(AnalyticsOnTimeRate, AnalyticsDurationVariance, AnalyticsDistanceEfficiency, AnalyticsCompleted)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
