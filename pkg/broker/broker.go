// Package broker embeds a small MQTT broker for installs without an
// external one; the Home Assistant publisher can point at it directly.
package broker

import (
	"log/slog"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/LitBomb/meshcore-ha/pkg/config"
)

// Broker wraps the embedded MQTT server.
type Broker struct {
	server *mqtt.Server
	cfg    config.BrokerSettings
	log    *slog.Logger
}

// New builds the broker with its TCP listener and credential hook.
func New(cfg config.BrokerSettings, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	server := mqtt.New(&mqtt.Options{InlineClient: false})

	err := server.AddHook(new(credentialHook), &credentialHookOptions{
		Settings: cfg,
	})
	if err != nil {
		return nil, err
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	return &Broker{
		server: server,
		cfg:    cfg,
		log:    logger.With("component", "broker"),
	}, nil
}

// Serve runs the broker until Close.
func (b *Broker) Serve() error {
	b.log.Info("embedded broker listening", "addr", b.cfg.ListenAddr)
	return b.server.Serve()
}

// Close shuts the broker down.
func (b *Broker) Close() error {
	return b.server.Close()
}
