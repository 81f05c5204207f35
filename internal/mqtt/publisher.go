// Package mqtt republishes the coordinator's snapshot sets to an MQTT
// broker, Home Assistant flavored: retained discovery configs, one
// retained state document per device, and availability topics at both
// bridge and device level.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/coordinator"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// client is the slice of paho's mqtt.Client the publisher uses.
type client interface {
	Connect() pahomqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Config wires a Publisher.
type Config struct {
	BrokerURL       string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string // state/availability topic root, e.g. "sigfox2mqtt"
	DiscoveryPrefix string // Home Assistant discovery root, e.g. "homeassistant"
	Logger          zerolog.Logger

	// newClient overrides the paho client constructor in tests.
	newClient func(*pahomqtt.ClientOptions) client
}

// Publisher implements coordinator.Subscriber. Publishing happens only
// from OnUpdate, so every retained state document comes from one
// complete snapshot set.
type Publisher struct {
	client          client
	log             zerolog.Logger
	topicPrefix     string
	discoveryPrefix string

	// announced tracks devices whose discovery configs have been
	// published this session.
	announced map[string]bool
	// offline tracks devices currently marked unavailable because they
	// dropped out of the listing.
	offline map[string]bool

	bridgeOnline bool
	bridgeSeen   bool
}

// NewPublisher connects to the broker and announces the bridge as
// online. The connection carries a last-will marking the bridge offline
// if the process dies without a clean shutdown.
func NewPublisher(cfg Config) (*Publisher, error) {
	p := &Publisher{
		log:             cfg.Logger,
		topicPrefix:     cfg.TopicPrefix,
		discoveryPrefix: cfg.DiscoveryPrefix,
		announced:       make(map[string]bool),
		offline:         make(map[string]bool),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sigfox2mqtt"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(p.bridgeAvailabilityTopic(), payloadOffline, 1, true)
	opts.OnConnect = func(pahomqtt.Client) {
		p.log.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
	}
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	}

	newClient := cfg.newClient
	if newClient == nil {
		newClient = func(o *pahomqtt.ClientOptions) client { return pahomqtt.NewClient(o) }
	}
	p.client = newClient(opts)

	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return p, nil
}

// OnUpdate renders one coordinator update onto the broker. It runs on
// the polling goroutine; paho buffers the publishes.
func (p *Publisher) OnUpdate(update coordinator.Update) {
	p.setBridgeAvailability(update.Healthy && !update.ReauthRequired)
	if !update.Healthy {
		// Nothing changed in the retained set; the bridge-offline flag
		// is what tells the host these entities are unavailable.
		return
	}

	for _, dev := range update.Set.Devices() {
		if !p.announced[dev.ID] {
			p.publishDiscovery(dev)
			p.announced[dev.ID] = true
		}
		if p.offline[dev.ID] {
			delete(p.offline, dev.ID)
		}
		p.publishJSON(p.deviceStateTopic(dev.ID), dev)
		p.publishString(p.deviceAvailabilityTopic(dev.ID), payloadOnline)
	}

	// Removed devices are marked unavailable, never silently deleted:
	// their discovery and last state docs stay retained on the broker.
	for _, id := range update.Removed {
		if p.offline[id] {
			continue
		}
		p.offline[id] = true
		p.publishString(p.deviceAvailabilityTopic(id), payloadOffline)
		p.log.Info().Str("device_id", id).Msg("device marked offline on mqtt")
	}
}

// Close marks the bridge offline and disconnects. Retained device state
// stays on the broker for the next run.
func (p *Publisher) Close() {
	p.setBridgeAvailability(false)
	p.client.Disconnect(disconnectQuiesce)
}

// setBridgeAvailability publishes the bridge availability topic when
// the value changes; the very first call always publishes.
func (p *Publisher) setBridgeAvailability(online bool) {
	if p.bridgeSeen && p.bridgeOnline == online {
		return
	}
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	p.publishString(p.bridgeAvailabilityTopic(), payload)
	p.bridgeOnline = online
	p.bridgeSeen = true
}

func (p *Publisher) publishDiscovery(dev snapshot.Device) {
	for _, sensor := range deviceSensors(dev, p.topicPrefix, p.bridgeAvailabilityTopic()) {
		topic := fmt.Sprintf("%s/sensor/sigfox_%s/%s/config", p.discoveryPrefix, dev.ID, sensor.field)
		p.publishJSON(topic, sensor.config)
	}
	p.log.Debug().Str("device_id", dev.ID).Msg("discovery configs published")
}

func (p *Publisher) publishJSON(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("marshal mqtt payload")
		return
	}
	if token := p.client.Publish(topic, 1, true, body); token.Wait() && token.Error() != nil {
		p.log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
	}
}

func (p *Publisher) publishString(topic, payload string) {
	if token := p.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
		p.log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt publish failed")
	}
}

func (p *Publisher) bridgeAvailabilityTopic() string {
	return p.topicPrefix + "/bridge/availability"
}

func (p *Publisher) deviceStateTopic(id string) string {
	return fmt.Sprintf("%s/%s/state", p.topicPrefix, id)
}

func (p *Publisher) deviceAvailabilityTopic(id string) string {
	return fmt.Sprintf("%s/%s/availability", p.topicPrefix, id)
}
