package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigfox2mqtt_poll_cycles_total",
			Help: "Poll cycles started",
		},
	)
	cycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigfox2mqtt_poll_cycle_failures_total",
			Help: "Poll cycles that failed at the device-listing step, by failure kind",
		},
		[]string{"kind"},
	)
	deviceFetchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sigfox2mqtt_device_message_fetch_failures_total",
			Help: "Per-device message fetches that failed and degraded a single snapshot",
		},
	)
	ticksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigfox2mqtt_poll_ticks_skipped_total",
			Help: "Ticks discarded instead of starting a poll, by reason",
		},
		[]string{"reason"},
	)
	cycleDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigfox2mqtt_poll_cycle_duration_seconds",
			Help: "Wall-clock duration of the most recent successful poll cycle",
		},
	)
)

// MetricsCollectors returns the poll-loop collectors for registration.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		cyclesTotal,
		cycleFailures,
		deviceFetchFailures,
		ticksSkipped,
		cycleDuration,
	}
}
