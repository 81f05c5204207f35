package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

type fakeSource struct {
	set         *snapshot.Set
	healthy     bool
	lastSuccess time.Time
}

func (f *fakeSource) Snapshot() *snapshot.Set { return f.set }
func (f *fakeSource) Healthy() bool           { return f.healthy }
func (f *fakeSource) LastSuccess() time.Time  { return f.lastSuccess }

func ptr[T any](v T) *T {
	return &v
}

func TestCollectorRendersSnapshot(t *testing.T) {
	taken := time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC)
	seen := time.Date(2026, 5, 14, 10, 0, 0, 0, time.UTC)
	msgTime := time.Date(2026, 5, 14, 9, 30, 0, 0, time.UTC)

	set := snapshot.NewSet(taken, []snapshot.Device{
		{
			ID:           "4D3091",
			Name:         "Greenhouse",
			State:        "OK",
			StateCode:    ptr(0),
			ComState:     "OK",
			ComStateCode: ptr(1),
			LQI:          "GOOD",
			LQICode:      ptr(2),
			LastSeen:     ptr(seen),
			LastMessage: &snapshot.Message{
				Payload:   "1a2b",
				SeqNumber: ptr(int64(412)),
				Time:      ptr(msgTime),
			},
		},
		{
			ID:       "4D3092",
			Name:     "Cellar",
			State:    snapshot.Unknown,
			ComState: snapshot.Unknown,
			LQI:      snapshot.Unknown,
			Degraded: true,
		},
	})
	source := &fakeSource{set: set, healthy: true, lastSuccess: taken}

	expected := `
		# HELP sigfox2mqtt_account_available_bool Account-wide availability flag (1=last poll cycle succeeded)
		# TYPE sigfox2mqtt_account_available_bool gauge
		sigfox2mqtt_account_available_bool 1
		# HELP sigfox2mqtt_device_count Devices in the latest published snapshot set
		# TYPE sigfox2mqtt_device_count gauge
		sigfox2mqtt_device_count 2
		# HELP sigfox2mqtt_device_state_code Raw Sigfox device state code (0=OK, 1=DEAD, ...)
		# TYPE sigfox2mqtt_device_state_code gauge
		sigfox2mqtt_device_state_code{device_id="4D3091",device_name="Greenhouse"} 0
		# HELP sigfox2mqtt_device_last_message_seq_number Sequence number of the most recent uplink message per device
		# TYPE sigfox2mqtt_device_last_message_seq_number gauge
		sigfox2mqtt_device_last_message_seq_number{device_id="4D3091",device_name="Greenhouse"} 412
		# HELP sigfox2mqtt_device_degraded_bool Whether the device's message fetch failed in the latest cycle (1=degraded)
		# TYPE sigfox2mqtt_device_degraded_bool gauge
		sigfox2mqtt_device_degraded_bool{device_id="4D3091",device_name="Greenhouse"} 0
		sigfox2mqtt_device_degraded_bool{device_id="4D3092",device_name="Cellar"} 1
		# HELP sigfox2mqtt_last_poll_success_timestamp_seconds Completion time of the last successful poll cycle (epoch seconds)
		# TYPE sigfox2mqtt_last_poll_success_timestamp_seconds gauge
		sigfox2mqtt_last_poll_success_timestamp_seconds 1778760000
	`
	err := testutil.CollectAndCompare(NewCollector(source), strings.NewReader(expected),
		"sigfox2mqtt_account_available_bool",
		"sigfox2mqtt_device_count",
		"sigfox2mqtt_device_state_code",
		"sigfox2mqtt_device_last_message_seq_number",
		"sigfox2mqtt_device_degraded_bool",
		"sigfox2mqtt_last_poll_success_timestamp_seconds",
	)
	require.NoError(t, err)
}

func TestCollectorDropsVanishedDevices(t *testing.T) {
	source := &fakeSource{
		set: snapshot.NewSet(time.Now(), []snapshot.Device{
			{ID: "A", Name: "first", StateCode: ptr(0)},
			{ID: "B", Name: "second", StateCode: ptr(1)},
		}),
		healthy: true,
	}
	collector := NewCollector(source)

	expected := `
		# HELP sigfox2mqtt_device_state_code Raw Sigfox device state code (0=OK, 1=DEAD, ...)
		# TYPE sigfox2mqtt_device_state_code gauge
		sigfox2mqtt_device_state_code{device_id="A",device_name="first"} 0
		sigfox2mqtt_device_state_code{device_id="B",device_name="second"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"sigfox2mqtt_device_state_code"))

	// B leaves the fleet; its series must not linger on the next scrape.
	source.set = snapshot.NewSet(time.Now(), []snapshot.Device{
		{ID: "A", Name: "first", StateCode: ptr(0)},
	})

	expected = `
		# HELP sigfox2mqtt_device_state_code Raw Sigfox device state code (0=OK, 1=DEAD, ...)
		# TYPE sigfox2mqtt_device_state_code gauge
		sigfox2mqtt_device_state_code{device_id="A",device_name="first"} 0
	`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"sigfox2mqtt_device_state_code"))
}

func TestCollectorUnavailableAccount(t *testing.T) {
	source := &fakeSource{
		set:     snapshot.NewSet(time.Time{}, nil),
		healthy: false,
	}

	expected := `
		# HELP sigfox2mqtt_account_available_bool Account-wide availability flag (1=last poll cycle succeeded)
		# TYPE sigfox2mqtt_account_available_bool gauge
		sigfox2mqtt_account_available_bool 0
		# HELP sigfox2mqtt_device_count Devices in the latest published snapshot set
		# TYPE sigfox2mqtt_device_count gauge
		sigfox2mqtt_device_count 0
		# HELP sigfox2mqtt_last_poll_success_timestamp_seconds Completion time of the last successful poll cycle (epoch seconds)
		# TYPE sigfox2mqtt_last_poll_success_timestamp_seconds gauge
		sigfox2mqtt_last_poll_success_timestamp_seconds 0
	`
	require.NoError(t, testutil.CollectAndCompare(NewCollector(source), strings.NewReader(expected),
		"sigfox2mqtt_account_available_bool",
		"sigfox2mqtt_device_count",
		"sigfox2mqtt_last_poll_success_timestamp_seconds"))
}

func TestNewRegistryIncludesAllCollectors(t *testing.T) {
	source := &fakeSource{set: snapshot.NewSet(time.Now(), nil), healthy: true}

	registry := NewRegistry(source)
	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["sigfox2mqtt_device_count"], "snapshot collector missing")
	assert.True(t, names["sigfox2mqtt_poll_cycles_total"], "coordinator collectors missing")
	assert.True(t, names["sigfox2mqtt_poll_cycle_duration_seconds"], "coordinator gauge missing")
}
