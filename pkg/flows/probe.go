package flows

import (
	"context"
	"log/slog"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/session"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

// SessionProber validates a connection config by running a throwaway
// session through connect and handshake, then tearing it down.
type SessionProber struct {
	AppName string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Probe connects to the configured endpoint and returns the node's
// identity on success.
func (p *SessionProber) Probe(ctx context.Context, cfg transport.Config) (*protocol.SelfInfo, error) {
	t, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}

	s := session.New(t, session.Options{
		AppName:        p.AppName,
		ConnectTimeout: p.Timeout,
		Logger:         p.Logger,
	})
	defer s.Disconnect()

	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s.SelfInfo(), nil
}

// ScanDiscoverer backs the setup flow's BLE dropdown with a live scan.
type ScanDiscoverer struct {
	Timeout time.Duration
}

// Discover scans for advertising radios.
func (d *ScanDiscoverer) Discover(ctx context.Context) ([]transport.DiscoveredDevice, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return transport.ScanBLE(ctx, timeout)
}
