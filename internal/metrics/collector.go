// Package metrics exposes the published snapshot set as Prometheus
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/coordinator"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/rate"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

// Source is the slice of coordinator state the collector reads. It is
// satisfied by *coordinator.Coordinator.
type Source interface {
	Snapshot() *snapshot.Set
	Healthy() bool
	LastSuccess() time.Time
}

// Collector renders per-device gauges from the latest snapshot set on
// every scrape. It performs no I/O: scrapes read whatever the poll
// loop last published.
type Collector struct {
	source Source

	state       *prometheus.GaugeVec
	comState    *prometheus.GaugeVec
	lqi         *prometheus.GaugeVec
	lastSeen    *prometheus.GaugeVec
	lastMsgTime *prometheus.GaugeVec
	lastMsgSeq  *prometheus.GaugeVec
	degraded    *prometheus.GaugeVec

	available   prometheus.Gauge
	deviceCount prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func NewCollector(source Source) *Collector {
	labels := []string{"device_id", "device_name"}
	return &Collector{
		source: source,
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_state_code",
			Help: "Raw Sigfox device state code (0=OK, 1=DEAD, ...)",
		}, labels),
		comState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_com_state_code",
			Help: "Raw Sigfox communication state code (0=NO, 1=OK, ...)",
		}, labels),
		lqi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_lqi_code",
			Help: "Raw Sigfox link quality indicator code (0=LIMIT ... 3=EXCELLENT)",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_last_seen_timestamp_seconds",
			Help: "Last communication timestamp per device (epoch seconds)",
		}, labels),
		lastMsgTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_last_message_timestamp_seconds",
			Help: "Timestamp of the most recent uplink message per device (epoch seconds)",
		}, labels),
		lastMsgSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_last_message_seq_number",
			Help: "Sequence number of the most recent uplink message per device",
		}, labels),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_degraded_bool",
			Help: "Whether the device's message fetch failed in the latest cycle (1=degraded)",
		}, labels),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_account_available_bool",
			Help: "Account-wide availability flag (1=last poll cycle succeeded)",
		}),
		deviceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_device_count",
			Help: "Devices in the latest published snapshot set",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigfox2mqtt_last_poll_success_timestamp_seconds",
			Help: "Completion time of the last successful poll cycle (epoch seconds)",
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.state.Describe(ch)
	c.comState.Describe(ch)
	c.lqi.Describe(ch)
	c.lastSeen.Describe(ch)
	c.lastMsgTime.Describe(ch)
	c.lastMsgSeq.Describe(ch)
	c.degraded.Describe(ch)
	c.available.Describe(ch)
	c.deviceCount.Describe(ch)
	c.lastSuccess.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	set := c.source.Snapshot()

	c.state.Reset()
	c.comState.Reset()
	c.lqi.Reset()
	c.lastSeen.Reset()
	c.lastMsgTime.Reset()
	c.lastMsgSeq.Reset()
	c.degraded.Reset()

	for _, dev := range set.Devices() {
		labels := prometheus.Labels{
			"device_id":   dev.ID,
			"device_name": dev.Name,
		}
		if dev.StateCode != nil {
			c.state.With(labels).Set(float64(*dev.StateCode))
		}
		if dev.ComStateCode != nil {
			c.comState.With(labels).Set(float64(*dev.ComStateCode))
		}
		if dev.LQICode != nil {
			c.lqi.With(labels).Set(float64(*dev.LQICode))
		}
		if dev.LastSeen != nil {
			c.lastSeen.With(labels).Set(float64(dev.LastSeen.Unix()))
		}
		if dev.LastMessage != nil {
			if dev.LastMessage.Time != nil {
				c.lastMsgTime.With(labels).Set(float64(dev.LastMessage.Time.Unix()))
			}
			if dev.LastMessage.SeqNumber != nil {
				c.lastMsgSeq.With(labels).Set(float64(*dev.LastMessage.SeqNumber))
			}
		}
		c.degraded.With(labels).Set(boolToFloat(dev.Degraded))
	}

	c.available.Set(boolToFloat(c.source.Healthy()))
	c.deviceCount.Set(float64(set.Len()))
	if last := c.source.LastSuccess(); !last.IsZero() {
		c.lastSuccess.Set(float64(last.Unix()))
	}

	c.state.Collect(ch)
	c.comState.Collect(ch)
	c.lqi.Collect(ch)
	c.lastSeen.Collect(ch)
	c.lastMsgTime.Collect(ch)
	c.lastMsgSeq.Collect(ch)
	c.degraded.Collect(ch)
	c.available.Collect(ch)
	c.deviceCount.Collect(ch)
	c.lastSuccess.Collect(ch)
}

// NewRegistry assembles the process registry: the per-device collector
// plus the poll-loop and rate-limit collectors.
func NewRegistry(source Source) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(source))
	for _, collector := range coordinator.MetricsCollectors() {
		registry.MustRegister(collector)
	}
	for _, collector := range rate.MetricsCollectors() {
		registry.MustRegister(collector)
	}
	return registry
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
