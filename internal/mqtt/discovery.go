package mqtt

import (
	"fmt"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

// discoveryDevice is the Home Assistant device registry block shared by
// all sensors of one Sigfox device.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// discoveryConfig is one Home Assistant MQTT sensor discovery document.
type discoveryConfig struct {
	Name          string         `json:"name"`
	UniqueID      string         `json:"unique_id"`
	StateTopic    string         `json:"state_topic"`
	ValueTemplate string         `json:"value_template"`
	Availability  []availability `json:"availability"`
	// "all": an entity is available only while both the bridge and its
	// device availability topics say online.
	AvailabilityMode string          `json:"availability_mode"`
	DeviceClass      string          `json:"device_class,omitempty"`
	EntityCategory   string          `json:"entity_category,omitempty"`
	Icon             string          `json:"icon,omitempty"`
	Device           discoveryDevice `json:"device"`
}

type availability struct {
	Topic string `json:"topic"`
}

type deviceSensor struct {
	field  string
	config discoveryConfig
}

// deviceSensors builds the discovery documents for one device: status,
// communication state, link quality, last-seen timestamp, and the raw
// payload of the most recent message. All of them read from the single
// retained state document via value templates.
func deviceSensors(dev snapshot.Device, topicPrefix, bridgeAvailabilityTopic string) []deviceSensor {
	name := dev.Name
	if name == "" {
		name = dev.ID
	}
	device := discoveryDevice{
		Identifiers:  []string{"sigfox_" + dev.ID},
		Name:         name,
		Model:        dev.DeviceTypeID,
		Manufacturer: "Sigfox",
	}
	avail := []availability{
		{Topic: bridgeAvailabilityTopic},
		{Topic: fmt.Sprintf("%s/%s/availability", topicPrefix, dev.ID)},
	}
	stateTopic := fmt.Sprintf("%s/%s/state", topicPrefix, dev.ID)

	base := func(field, label string) discoveryConfig {
		return discoveryConfig{
			Name:             label,
			UniqueID:         fmt.Sprintf("sigfox_%s_%s", dev.ID, field),
			StateTopic:       stateTopic,
			ValueTemplate:    fmt.Sprintf("{{ value_json.%s }}", field),
			Availability:     avail,
			AvailabilityMode: "all",
			Device:           device,
		}
	}

	status := base("state", "Status")
	status.Icon = "mdi:radio-tower"

	comState := base("com_state", "Communication state")
	comState.EntityCategory = "diagnostic"

	lqi := base("lqi", "Link quality")
	lqi.EntityCategory = "diagnostic"
	lqi.Icon = "mdi:signal"

	lastSeen := base("last_seen", "Last seen")
	lastSeen.DeviceClass = "timestamp"

	lastMessage := base("last_message", "Last message")
	lastMessage.ValueTemplate = "{{ value_json.last_message.payload if value_json.last_message else 'unknown' }}"
	lastMessage.Icon = "mdi:message-text"

	return []deviceSensor{
		{field: "state", config: status},
		{field: "com_state", config: comState},
		{field: "lqi", config: lqi},
		{field: "last_seen", config: lastSeen},
		{field: "last_message", config: lastMessage},
	}
}
