package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"
)

// MeshCore radios expose the Nordic UART service over BLE. Frames
// travel bare in GATT notifications; the stream framing bytes are a
// serial/TCP concern only.
var (
	bleService    = bluetooth.ServiceUUIDNordicUART
	bleWriteChar  = bluetooth.CharacteristicUUIDUARTRX
	bleNotifyChar = bluetooth.CharacteristicUUIDUARTTX
)

// bleChunkSize keeps writes inside the commonly negotiated 247-byte
// ATT MTU.
const bleChunkSize = 244

// bleNamePrefix is the advertised-name filter used during discovery.
const bleNamePrefix = "MeshCore"

var (
	bleEnableOnce sync.Once
	bleEnableErr  error
)

func enableAdapter() error {
	bleEnableOnce.Do(func() {
		bleEnableErr = bluetooth.DefaultAdapter.Enable()
	})
	return bleEnableErr
}

type bleTransport struct {
	cfg Config

	state  atomic.Int32
	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	device    bluetooth.Device
	writer    bluetooth.DeviceCharacteristic
	connected bool
	used      bool

	doneOnce   sync.Once
	framesOnce sync.Once
}

func newBLETransport(cfg Config) Transport {
	return &bleTransport{
		cfg:    cfg,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
}

func (t *bleTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.used {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.used = true
	t.mu.Unlock()

	t.state.Store(int32(StateConnecting))

	type connectResult struct {
		device bluetooth.Device
		writer bluetooth.DeviceCharacteristic
		err    error
	}
	res := make(chan connectResult, 1)
	go func() {
		dev, writer, err := t.establish(ctx)
		res <- connectResult{dev, writer, err}
	}()

	select {
	case <-ctx.Done():
		t.state.Store(int32(StateDisconnected))
		go func() {
			if r := <-res; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return fmt.Errorf("connect %s: %w", t.cfg.Address, ctx.Err())
	case r := <-res:
		if r.err != nil {
			t.state.Store(int32(StateDisconnected))
			return fmt.Errorf("connect %s: %w", t.cfg.Address, r.err)
		}
		t.mu.Lock()
		t.device = r.device
		t.writer = r.writer
		t.connected = true
		t.mu.Unlock()
		t.state.Store(int32(StateConnected))
		return nil
	}
}

// establish runs the full GATT setup: connect, resolve the UART
// service, and hook the notify characteristic into the frame channel.
func (t *bleTransport) establish(ctx context.Context) (bluetooth.Device, bluetooth.DeviceCharacteristic, error) {
	var none bluetooth.DeviceCharacteristic

	if err := enableAdapter(); err != nil {
		return bluetooth.Device{}, none, fmt.Errorf("enable adapter: %w", err)
	}

	mac, err := bluetooth.ParseMAC(t.cfg.Address)
	if err != nil {
		return bluetooth.Device{}, none, fmt.Errorf("parse address: %w", err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := bluetooth.DefaultAdapter.Connect(addr, params)
	if err != nil {
		return bluetooth.Device{}, none, err
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bleService})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return bluetooth.Device{}, none, fmt.Errorf("discover uart service: %w", err)
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleWriteChar, bleNotifyChar})
	if err != nil || len(chars) < 2 {
		device.Disconnect()
		return bluetooth.Device{}, none, fmt.Errorf("discover uart characteristics: %w", err)
	}
	writer, notifier := chars[0], chars[1]

	err = notifier.EnableNotifications(func(buf []byte) {
		// The stack reuses buf between callbacks.
		frame := append([]byte(nil), buf...)
		select {
		case t.frames <- frame:
		case <-t.done:
		}
	})
	if err != nil {
		device.Disconnect()
		return bluetooth.Device{}, none, fmt.Errorf("enable notifications: %w", err)
	}

	return device, writer, nil
}

func (t *bleTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}

	for off := 0; off < len(frame); off += bleChunkSize {
		end := off + bleChunkSize
		if end > len(frame) {
			end = len(frame)
		}
		if _, err := t.writer.WriteWithoutResponse(frame[off:end]); err != nil {
			return fmt.Errorf("send %s: %w", t.cfg.Address, err)
		}
	}
	return nil
}

func (t *bleTransport) Disconnect() error {
	t.state.Store(int32(StateDisconnected))
	t.doneOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	device := t.device
	wasConnected := t.connected
	t.connected = false
	t.used = true
	t.mu.Unlock()

	t.framesOnce.Do(func() { close(t.frames) })
	if wasConnected {
		return device.Disconnect()
	}
	return nil
}

func (t *bleTransport) Frames() <-chan []byte {
	return t.frames
}

func (t *bleTransport) State() ConnectionState {
	return ConnectionState(t.state.Load())
}

// DiscoveredDevice is one BLE scan hit.
type DiscoveredDevice struct {
	Address string
	Name    string
}

// ScanBLE scans for advertising MeshCore radios until the context
// expires or the duration elapses, whichever comes first. Results are
// deduplicated by address.
func ScanBLE(ctx context.Context, d time.Duration) ([]DiscoveredDevice, error) {
	if err := enableAdapter(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	adapter := bluetooth.DefaultAdapter

	var mu sync.Mutex
	found := make(map[string]DiscoveredDevice)

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if !strings.HasPrefix(name, bleNamePrefix) {
				return
			}
			mu.Lock()
			found[result.Address.String()] = DiscoveredDevice{
				Address: result.Address.String(),
				Name:    name,
			}
			mu.Unlock()
		})
	}()

	select {
	case <-ctx.Done():
	case <-time.After(d):
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("ble scan: %w", err)
		}
	}
	adapter.StopScan()

	mu.Lock()
	defer mu.Unlock()
	devices := make([]DiscoveredDevice, 0, len(found))
	for _, dev := range found {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}
