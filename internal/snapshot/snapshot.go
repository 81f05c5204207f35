// Package snapshot turns raw Sigfox API payloads into the immutable
// read model the rest of the process consumes. Nothing outside this
// package interprets numeric status codes or epoch timestamps.
package snapshot

import (
	"encoding/hex"
	"time"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/sigfox"
)

// Unknown is the sentinel for enumeration codes the API did not send or
// that this build does not recognize.
const Unknown = "unknown"

var stateNames = map[int]string{
	0: "OK",
	1: "DEAD",
	2: "OFF_CONTRACT",
	3: "DISABLED",
	5: "DELETED",
	6: "SUSPENDED",
	7: "NOT_ACTIVABLE",
}

var comStateNames = map[int]string{
	0: "NO",
	1: "OK",
	3: "RED",
	4: "N/A",
	5: "NOT_SEEN",
}

var lqiNames = map[int]string{
	0: "LIMIT",
	1: "AVERAGE",
	2: "GOOD",
	3: "EXCELLENT",
	4: "N/A",
}

// Device is one device's normalized state at a single poll. Instances
// are immutable once built; a changed device gets a fresh instance on
// the next cycle.
type Device struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	DeviceTypeID     string     `json:"device_type_id,omitempty"`
	State            string     `json:"state"`
	StateCode        *int       `json:"state_code,omitempty"`
	ComState         string     `json:"com_state"`
	ComStateCode     *int       `json:"com_state_code,omitempty"`
	LQI              string     `json:"lqi"`
	LQICode          *int       `json:"lqi_code,omitempty"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	ActivationTime   *time.Time `json:"activation_time,omitempty"`
	CreationTime     *time.Time `json:"creation_time,omitempty"`
	AutomaticRenewal *bool      `json:"automatic_renewal,omitempty"`
	LastMessage      *Message   `json:"last_message,omitempty"`
	// Degraded marks a device whose message fetch failed this cycle;
	// the message fields are carried over from the previous snapshot.
	Degraded bool `json:"degraded"`
}

// Message is the most recent uplink seen for a device.
type Message struct {
	Payload   string     `json:"payload"` // hex string exactly as the API sent it
	Bytes     []byte     `json:"-"`       // decoded payload, nil when Payload is not valid hex
	SeqNumber *int64     `json:"seq_number,omitempty"`
	Time      *time.Time `json:"time,omitempty"`
}

// Build normalizes one listing entry plus its recent messages. msgs is
// expected newest-first, as the API returns it; only the newest message
// is kept. Build is deterministic: the same inputs always produce the
// same snapshot.
func Build(dev sigfox.Device, msgs []sigfox.Message) Device {
	snap := Device{
		ID:               dev.ID,
		Name:             dev.Name,
		DeviceTypeID:     dev.DeviceType.ID,
		State:            codeName(stateNames, dev.State),
		StateCode:        copyInt(dev.State),
		ComState:         codeName(comStateNames, dev.ComState),
		ComStateCode:     copyInt(dev.ComState),
		LQI:              codeName(lqiNames, dev.LQI),
		LQICode:          copyInt(dev.LQI),
		LastSeen:         msTime(dev.LastCom),
		ActivationTime:   msTime(dev.ActivationTime),
		CreationTime:     msTime(dev.CreationTime),
		AutomaticRenewal: copyBool(dev.AutomaticRenewal),
	}
	if len(msgs) > 0 {
		snap.LastMessage = buildMessage(msgs[0])
	}
	return snap
}

func buildMessage(msg sigfox.Message) *Message {
	out := &Message{
		Payload:   msg.Data,
		SeqNumber: copyInt64(msg.SeqNumber),
		Time:      msTime(msg.Time),
	}
	// Payloads are supposed to be hex, but a malformed one must not
	// take the device down with it.
	if decoded, err := hex.DecodeString(msg.Data); err == nil {
		out.Bytes = decoded
	}
	return out
}

func codeName(names map[int]string, code *int) string {
	if code == nil {
		return Unknown
	}
	if name, ok := names[*code]; ok {
		return name
	}
	return Unknown
}

// msTime converts epoch milliseconds to UTC. Zero and negative values
// mean "never", not 1970.
func msTime(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
