// Package hass publishes the bridge's state to Home Assistant over
// MQTT, using the discovery convention so entities appear without any
// manual configuration.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LitBomb/meshcore-ha/pkg/config"
	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/store"
)

const connectTimeout = 10 * time.Second

// Publisher mirrors radio events onto MQTT state topics and maintains
// the discovery configs for them.
type Publisher struct {
	cfg    config.MQTTSettings
	stores *store.Stores
	log    *slog.Logger

	client mqtt.Client

	mu   sync.Mutex
	self *protocol.SelfInfo
}

// New creates a publisher. Start must be called before events are
// handled.
func New(cfg config.MQTTSettings, stores *store.Stores, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		stores: stores,
		log:    logger.With("component", "hass"),
	}
}

// Start connects to the broker. The will marks the bridge unavailable
// if the connection drops; discovery is republished on every
// (re)connect because Home Assistant may have restarted meanwhile.
func (p *Publisher) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.BrokerURL).
		SetClientID("meshcore-ha").
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetAutoReconnect(true).
		SetWill(p.availabilityTopic(), "offline", 1, true).
		SetOnConnectHandler(func(c mqtt.Client) {
			p.log.Info("mqtt connected", "broker", p.cfg.BrokerURL)
			c.Publish(p.availabilityTopic(), 1, true, "online")
			p.publishDiscovery(ctx)
		})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", p.cfg.BrokerURL)
	}
	return token.Error()
}

// Stop marks the bridge unavailable and disconnects.
func (p *Publisher) Stop() {
	if p.client == nil {
		return
	}
	p.client.Publish(p.availabilityTopic(), 1, true, "offline").WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

// HandleEvent is registered as a device-manager consumer and turns
// radio events into state topic updates.
func (p *Publisher) HandleEvent(ev *protocol.Event) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}

	switch ev.Kind {
	case protocol.RespCodeSelfInfo:
		if self, ok := ev.Payload.(*protocol.SelfInfo); ok {
			p.mu.Lock()
			p.self = self
			p.mu.Unlock()
			p.publishDiscovery(context.Background())
		}
	case protocol.RespCodeBatteryVoltage:
		if bv, ok := ev.Payload.(*protocol.BatteryVoltage); ok {
			p.publish(p.stateTopic("battery"), fmt.Sprintf("%d", bv.Millivolts))
		}
	case protocol.RespCodeContactsStart:
		if cs, ok := ev.Payload.(*protocol.ContactsStart); ok {
			p.publish(p.stateTopic("contacts"), fmt.Sprintf("%d", cs.Count))
		}
	case protocol.RespCodeContactMsgRecv:
		if msg, ok := ev.Payload.(*protocol.ContactMessage); ok {
			p.publishJSON(p.stateTopic("last_message"), map[string]any{
				"from": msg.PrefixHex(),
				"text": msg.Text,
				"at":   ev.ReceivedAt.UTC().Format(time.RFC3339),
			})
		}
	case protocol.RespCodeChannelMsgRecv:
		if msg, ok := ev.Payload.(*protocol.ChannelMessage); ok {
			p.publishJSON(p.stateTopic("last_message"), map[string]any{
				"channel": msg.ChannelIdx,
				"text":    msg.Text,
				"at":      ev.ReceivedAt.UTC().Format(time.RFC3339),
			})
		}
	case protocol.PushCodeStatusResponse:
		if stats, ok := ev.Payload.(*protocol.RepeaterStats); ok {
			topic := fmt.Sprintf("%s/repeater/%s/state", p.cfg.BaseTopic, stats.PrefixHex())
			p.publishJSON(topic, map[string]any{
				"battery_mv": stats.BatteryMV,
				"uptime_s":   stats.Uptime,
				"airtime_s":  stats.Airtime,
				"num_recv":   stats.NumRecv,
				"num_sent":   stats.NumSent,
				"last_rssi":  stats.LastRSSI,
				"last_snr":   stats.LastSNR,
			})
		}
	}
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.BaseTopic + "/bridge/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return fmt.Sprintf("%s/node/%s", p.cfg.BaseTopic, entity)
}

func (p *Publisher) publish(topic, payload string) {
	p.client.Publish(topic, 0, false, payload)
}

func (p *Publisher) publishJSON(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("marshal state", "topic", topic, "error", err)
		return
	}
	p.client.Publish(topic, 0, false, data)
}

// discoveryConfig is a Home Assistant MQTT discovery entity config.
type discoveryConfig struct {
	Name              string         `json:"name"`
	UniqueID          string         `json:"unique_id"`
	StateTopic        string         `json:"state_topic"`
	AvailabilityTopic string         `json:"availability_topic"`
	UnitOfMeasurement string         `json:"unit_of_measurement,omitempty"`
	DeviceClass       string         `json:"device_class,omitempty"`
	ValueTemplate     string         `json:"value_template,omitempty"`
	Device            map[string]any `json:"device"`
}

// publishDiscovery announces the node's entities and one set per
// subscribed repeater. Configs are retained so Home Assistant picks
// them up after its own restarts.
func (p *Publisher) publishDiscovery(ctx context.Context) {
	p.mu.Lock()
	self := p.self
	p.mu.Unlock()
	if self == nil {
		return
	}

	nodeID := "meshcore_" + self.PubkeyPrefix()
	device := map[string]any{
		"identifiers":  []string{nodeID},
		"name":         self.Name,
		"manufacturer": "MeshCore",
	}

	p.announce("sensor", nodeID+"_battery", discoveryConfig{
		Name:              self.Name + " Battery",
		UniqueID:          nodeID + "_battery",
		StateTopic:        p.stateTopic("battery"),
		AvailabilityTopic: p.availabilityTopic(),
		UnitOfMeasurement: "mV",
		DeviceClass:       "voltage",
		Device:            device,
	})
	p.announce("sensor", nodeID+"_contacts", discoveryConfig{
		Name:              self.Name + " Contacts",
		UniqueID:          nodeID + "_contacts",
		StateTopic:        p.stateTopic("contacts"),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            device,
	})
	p.announce("sensor", nodeID+"_last_message", discoveryConfig{
		Name:              self.Name + " Last Message",
		UniqueID:          nodeID + "_last_message",
		StateTopic:        p.stateTopic("last_message"),
		AvailabilityTopic: p.availabilityTopic(),
		ValueTemplate:     "{{ value_json.text }}",
		Device:            device,
	})

	if p.stores == nil {
		return
	}
	subs, err := p.stores.Subscriptions.List(ctx)
	if err != nil {
		p.log.Warn("subscription list for discovery", "error", err)
		return
	}
	for _, sub := range subs {
		p.announceRepeater(sub, device)
	}
}

func (p *Publisher) announceRepeater(sub *models.RepeaterSubscription, device map[string]any) {
	stateTopic := fmt.Sprintf("%s/repeater/%s/state", p.cfg.BaseTopic, sub.PubkeyPrefix)
	uid := "meshcore_rep_" + sub.PubkeyPrefix

	p.announce("sensor", uid+"_battery", discoveryConfig{
		Name:              sub.Name + " Battery",
		UniqueID:          uid + "_battery",
		StateTopic:        stateTopic,
		AvailabilityTopic: p.availabilityTopic(),
		UnitOfMeasurement: "mV",
		DeviceClass:       "voltage",
		ValueTemplate:     "{{ value_json.battery_mv }}",
		Device:            device,
	})
	p.announce("sensor", uid+"_uptime", discoveryConfig{
		Name:              sub.Name + " Uptime",
		UniqueID:          uid + "_uptime",
		StateTopic:        stateTopic,
		AvailabilityTopic: p.availabilityTopic(),
		UnitOfMeasurement: "s",
		ValueTemplate:     "{{ value_json.uptime_s }}",
		Device:            device,
	})
}

func (p *Publisher) announce(component, objectID string, cfg discoveryConfig) {
	topic := fmt.Sprintf("%s/%s/%s/config", p.cfg.DiscoveryPrefix, component, objectID)
	data, err := json.Marshal(cfg)
	if err != nil {
		p.log.Warn("marshal discovery", "topic", topic, "error", err)
		return
	}
	p.client.Publish(topic, 1, true, data)
}
