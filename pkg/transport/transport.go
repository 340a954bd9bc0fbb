// Package transport provides the physical channels to a companion
// radio: serial, Bluetooth LE, and TCP. All three expose the same
// frame-oriented contract; stream framing happens here so the layers
// above only ever see whole frames.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrUnknownKind      = errors.New("unknown transport kind")
)

// ConnectionState tracks the lifecycle of a transport.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Kind selects one of the supported channel types.
type Kind string

const (
	KindSerial Kind = "serial"
	KindBLE    Kind = "ble"
	KindTCP    Kind = "tcp"
)

// Defaults applied when a config omits the optional fields.
const (
	DefaultBaudRate = 115200
	DefaultTCPPort  = 5000
)

// Config identifies exactly one physical endpoint. Construct with
// Serial, BLE, or TCP and treat as immutable.
type Config struct {
	Kind Kind

	// Serial
	Path string
	Baud int

	// BLE
	Address string

	// TCP
	Host string
	Port int
}

// Serial describes a USB or UART attached radio.
func Serial(path string, baud int) Config {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return Config{Kind: KindSerial, Path: path, Baud: baud}
}

// BLE describes a radio reachable over Bluetooth LE by MAC address.
func BLE(address string) Config {
	return Config{Kind: KindBLE, Address: address}
}

// TCP describes a radio reachable over the network.
func TCP(host string, port int) Config {
	if port <= 0 {
		port = DefaultTCPPort
	}
	return Config{Kind: KindTCP, Host: host, Port: port}
}

// Endpoint returns a short human-readable description of the target.
func (c Config) Endpoint() string {
	switch c.Kind {
	case KindSerial:
		return fmt.Sprintf("%s@%d", c.Path, c.Baud)
	case KindBLE:
		return c.Address
	case KindTCP:
		return fmt.Sprintf("%s:%d", c.Host, c.Port)
	default:
		return "unknown"
	}
}

// Validate reports whether the config names a usable endpoint.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSerial:
		if c.Path == "" {
			return errors.New("serial path required")
		}
	case KindBLE:
		if c.Address == "" {
			return errors.New("ble address required")
		}
	case KindTCP:
		if c.Host == "" {
			return errors.New("tcp host required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	return nil
}

// Transport is one physical channel to a radio. A transport is single
// use: it holds at most one OS handle, Connect may be called once, and
// Disconnect releases the handle and is safe to call repeatedly.
type Transport interface {
	// Connect opens the channel. The context deadline bounds the whole
	// attempt; implementations must not hang past it.
	Connect(ctx context.Context) error

	// Disconnect closes the channel and releases the OS handle, even
	// after a partial failure. Idempotent.
	Disconnect() error

	// Send writes one protocol frame.
	Send(frame []byte) error

	// Frames returns the inbound frame stream. The channel closes when
	// the transport disconnects or the link drops.
	Frames() <-chan []byte

	// State reports the current connection state.
	State() ConnectionState
}

// New builds the transport for a config.
func New(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindSerial:
		return newSerialTransport(cfg), nil
	case KindBLE:
		return newBLETransport(cfg), nil
	case KindTCP:
		return newTCPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
