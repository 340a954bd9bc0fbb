// Package device supervises the connection to the radio across
// single-use sessions: it reconnects with backoff, keeps the message
// queue drained, refreshes node info, polls subscribed repeaters, and
// fans decoded events out to the rest of the daemon.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/config"
	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/observability"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/repeater"
	"github.com/LitBomb/meshcore-ha/pkg/session"
	"github.com/LitBomb/meshcore-ha/pkg/store"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

// Reconnect backoff bounds.
const (
	backoffMin = time.Second
	backoffMax = 60 * time.Second
)

// ErrNoSession reports an operation attempted while the radio is
// disconnected.
var ErrNoSession = errors.New("no active session")

// Consumer receives every decoded event from the active session.
// Consumers must not block; hand off to a channel or goroutine for
// slow work.
type Consumer func(ev *protocol.Event)

// Options configures a Manager.
type Options struct {
	Connection config.ConnectionSettings
	Device     config.DeviceSettings
	Stores     *store.Stores
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Manager runs the device supervision loop.
type Manager struct {
	cfg     transport.Config
	dev     config.DeviceSettings
	stores  *store.Stores
	metrics *observability.Metrics
	log     *slog.Logger

	mu        sync.RWMutex
	session   *session.Session
	consumers []Consumer

	// lastStatus tracks the last successful status poll per repeater
	// prefix, reset on every reconnect.
	lastStatus map[string]time.Time
}

// TransportConfig converts connection settings into a transport config.
func TransportConfig(cs config.ConnectionSettings) transport.Config {
	switch transport.Kind(cs.Type) {
	case transport.KindSerial:
		return transport.Serial(cs.Serial.Port, cs.Serial.Baud)
	case transport.KindBLE:
		return transport.BLE(cs.BLE.Address)
	default:
		return transport.TCP(cs.TCP.Host, cs.TCP.Port)
	}
}

// New creates a manager. Consumers registered before Run see every
// event of every session.
func New(opts Options) (*Manager, error) {
	cfg := TransportConfig(opts.Connection)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		dev:     opts.Device,
		stores:  opts.Stores,
		metrics: opts.Metrics,
		log:     logger.With("component", "device"),
	}, nil
}

// AddConsumer registers an event consumer. Not safe to call once Run
// has started.
func (m *Manager) AddConsumer(c Consumer) {
	m.consumers = append(m.consumers, c)
}

// Session returns the active session, or nil while disconnected.
func (m *Manager) Session() *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// SelfInfo returns the connected node's identity, or nil.
func (m *Manager) SelfInfo() *protocol.SelfInfo {
	if s := m.Session(); s != nil {
		return s.SelfInfo()
	}
	return nil
}

// State reports the active session state.
func (m *Manager) State() session.State {
	if s := m.Session(); s != nil {
		return s.State()
	}
	return session.StateDisconnected
}

// Contacts proxies the address book of the active session.
func (m *Manager) Contacts(ctx context.Context) ([]*protocol.ContactInfo, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrNoSession
	}
	return s.Contacts(ctx)
}

// SendMessage sends a direct message to the contact with the given key
// prefix and logs it.
func (m *Manager) SendMessage(ctx context.Context, prefix, text string) error {
	s := m.Session()
	if s == nil {
		return ErrNoSession
	}
	contact, err := s.ContactByPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	if _, err := s.SendMessage(ctx, contact.PublicKey[:protocol.PrefixLen], text); err != nil {
		return err
	}

	p := contact.PubkeyPrefix()
	m.logMessage(ctx, &models.MeshMessage{
		Direction:    models.DirectionOutbound,
		PubkeyPrefix: &p,
		Text:         text,
	})
	return nil
}

// SendChannelMessage sends a text message on a shared channel and logs
// it.
func (m *Manager) SendChannelMessage(ctx context.Context, channelIdx byte, text string) error {
	s := m.Session()
	if s == nil {
		return ErrNoSession
	}
	if err := s.SendChannelMessage(ctx, channelIdx, text); err != nil {
		return err
	}

	idx := int(channelIdx)
	m.logMessage(ctx, &models.MeshMessage{
		Direction:  models.DirectionOutbound,
		ChannelIdx: &idx,
		Text:       text,
	})
	return nil
}

// LoginRepeater runs the repeater login protocol on the active session
// and returns the subscription record to persist.
func (m *Manager) LoginRepeater(ctx context.Context, prefix, password string, updateInterval int) (*models.RepeaterSubscription, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrNoSession
	}
	return repeater.New(s, m.stores.Subscriptions, m.log).Login(ctx, prefix, password, updateInterval)
}

// Run connects and supervises sessions until the context is cancelled.
// Each attempt uses a fresh transport and session; a failed or dropped
// session is never reused.
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffMin

	for {
		t, err := transport.New(m.cfg)
		if err != nil {
			return err
		}
		s := session.New(t, session.Options{
			AppName:        m.dev.AppName,
			ConnectTimeout: m.dev.ConnectTimeout(),
			Logger:         m.log,
			Metrics:        m.metrics,
		})

		if err := s.Connect(ctx); err != nil {
			s.Disconnect()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("connect failed", "endpoint", m.cfg.Endpoint(), "retry_in", backoff, "error", err)
			m.metrics.ObserveReconnect()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin

		m.mu.Lock()
		m.session = s
		m.lastStatus = make(map[string]time.Time)
		m.mu.Unlock()

		m.runSession(ctx, s)

		m.mu.Lock()
		m.session = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Info("session ended, reconnecting")
		m.metrics.ObserveReconnect()
	}
}

// runSession drives one ready session until it drops or the context
// cancels.
func (m *Manager) runSession(ctx context.Context, s *session.Session) {
	events, unsub := s.Subscribe(128)
	defer unsub()
	defer s.Disconnect()

	// Prime state: drain queued messages and warm the contact cache.
	if _, err := s.SyncAllMessages(ctx); err != nil {
		m.log.Warn("initial message sync", "error", err)
	}
	if _, err := s.Contacts(ctx); err != nil {
		m.log.Warn("initial contact fetch", "error", err)
	}

	msgTicker := time.NewTicker(m.dev.MessagesInterval())
	defer msgTicker.Stop()
	infoTicker := time.NewTicker(m.dev.InfoInterval())
	defer infoTicker.Stop()
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, s, ev)
		case <-msgTicker.C:
			if _, err := s.SyncAllMessages(ctx); err != nil {
				m.log.Warn("message sync", "error", err)
			}
		case <-infoTicker.C:
			if _, err := s.Contacts(ctx); err != nil {
				m.log.Warn("contact refresh", "error", err)
			}
			if _, err := s.BatteryVoltage(ctx); err != nil {
				m.log.Warn("battery poll", "error", err)
			}
		case <-statusTicker.C:
			// Status responses can take a full mesh round trip each, so
			// polling must not stall event handling.
			go m.pollRepeaters(ctx, s)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, s *session.Session, ev *protocol.Event) {
	switch ev.Kind {
	case protocol.PushCodeMsgWaiting:
		if _, err := s.SyncAllMessages(ctx); err != nil {
			m.log.Warn("message sync", "error", err)
		}
	case protocol.RespCodeContactMsgRecv:
		if msg, ok := ev.Payload.(*protocol.ContactMessage); ok {
			prefix := msg.PrefixHex()
			sent := time.Unix(int64(msg.SenderTimestamp), 0)
			m.logMessage(ctx, &models.MeshMessage{
				Direction:       models.DirectionInbound,
				PubkeyPrefix:    &prefix,
				Text:            msg.Text,
				TxtType:         int(msg.TxtType),
				PathLen:         int(msg.PathLen),
				SenderTimestamp: &sent,
				ReceivedAt:      ev.ReceivedAt,
			})
		}
	case protocol.RespCodeChannelMsgRecv:
		if msg, ok := ev.Payload.(*protocol.ChannelMessage); ok {
			idx := int(msg.ChannelIdx)
			sent := time.Unix(int64(msg.SenderTimestamp), 0)
			m.logMessage(ctx, &models.MeshMessage{
				Direction:       models.DirectionInbound,
				ChannelIdx:      &idx,
				Text:            msg.Text,
				TxtType:         int(msg.TxtType),
				PathLen:         int(msg.PathLen),
				SenderTimestamp: &sent,
				ReceivedAt:      ev.ReceivedAt,
			})
		}
	}

	for _, c := range m.consumers {
		c(ev)
	}
}

func (m *Manager) logMessage(ctx context.Context, msg *models.MeshMessage) {
	if m.stores == nil {
		return
	}
	if err := m.stores.Messages.Append(ctx, msg); err != nil {
		m.log.Warn("message log append", "error", err)
	}
}

// pollRepeaters sends a status request to every enabled subscription
// whose update interval has elapsed. The responses come back as status
// pushes and reach consumers through the ordinary event path.
func (m *Manager) pollRepeaters(ctx context.Context, s *session.Session) {
	if m.stores == nil {
		return
	}
	subs, err := m.stores.Subscriptions.List(ctx)
	if err != nil {
		m.log.Warn("subscription list", "error", err)
		return
	}

	now := time.Now()
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		m.mu.RLock()
		last := m.lastStatus[sub.PubkeyPrefix]
		m.mu.RUnlock()
		if now.Sub(last) < sub.Interval() {
			continue
		}

		m.mu.Lock()
		m.lastStatus[sub.PubkeyPrefix] = now
		m.mu.Unlock()

		contact, err := s.ContactByPrefix(ctx, sub.PubkeyPrefix)
		if err != nil {
			m.log.Warn("status poll: contact lookup", "prefix", sub.PubkeyPrefix, "error", err)
			continue
		}
		if _, err := s.SendStatusRequest(ctx, contact); err != nil {
			m.log.Warn("status poll", "name", sub.Name, "error", err)
		}
	}
}
