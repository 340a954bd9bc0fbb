package transport

import (
	"context"
	"io"

	"go.bug.st/serial"
)

func newSerialTransport(cfg Config) Transport {
	return newStreamTransport(cfg.Endpoint(), func(ctx context.Context) (io.ReadWriteCloser, error) {
		mode := &serial.Mode{
			BaudRate: cfg.Baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(cfg.Path, mode)
		if err != nil {
			return nil, err
		}
		// Blocking reads; the frame reader handles resync past any boot
		// noise the firmware prints on the same line.
		if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	})
}

// ListSerialPorts enumerates candidate serial devices for the setup
// flow.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
