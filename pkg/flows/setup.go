package flows

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

// Setup flow step names.
const (
	stepUser   = "user"
	stepSerial = "serial"
	stepBLE    = "ble"
	stepTCP    = "tcp"
)

// setupFlow walks transport selection, per-transport parameters, and a
// probe connection, and finalizes with the validated connection config
// and the node's identity.
type setupFlow struct {
	id   uuid.UUID
	deps Deps
	step string
}

func newSetupFlow(id uuid.UUID, deps Deps) *setupFlow {
	return &setupFlow{id: id, deps: deps, step: stepUser}
}

func (f *setupFlow) state() *State {
	return &State{
		ID:     f.id,
		Kind:   KindSetup,
		Step:   f.step,
		Schema: f.schema(context.Background()),
	}
}

func (f *setupFlow) schema(ctx context.Context) *Schema {
	switch f.step {
	case stepSerial:
		return &Schema{Fields: []Field{
			{Name: "port", Type: FieldString, Required: true},
			{Name: "baud", Type: FieldInteger, Default: transport.DefaultBaudRate},
		}}
	case stepBLE:
		return &Schema{Fields: []Field{
			{Name: "address", Type: FieldSelect, Required: true, Options: f.bleOptions(ctx)},
		}}
	case stepTCP:
		return &Schema{Fields: []Field{
			{Name: "host", Type: FieldString, Required: true},
			{Name: "port", Type: FieldInteger, Default: transport.DefaultTCPPort},
		}}
	default:
		return &Schema{Fields: []Field{
			{Name: "connection_type", Type: FieldSelect, Required: true, Options: []Option{
				{Value: string(transport.KindSerial), Label: "Serial / USB"},
				{Value: string(transport.KindBLE), Label: "Bluetooth LE"},
				{Value: string(transport.KindTCP), Label: "TCP"},
			}},
		}}
	}
}

// bleOptions lists scanned radios for the address dropdown. An empty
// list still renders; the user can type an address by hand.
func (f *setupFlow) bleOptions(ctx context.Context) []Option {
	if f.deps.Discoverer == nil {
		return nil
	}
	devices, err := f.deps.Discoverer.Discover(ctx)
	if err != nil {
		return nil
	}
	opts := make([]Option, 0, len(devices))
	for _, d := range devices {
		opts = append(opts, Option{Value: d.Address, Label: d.Name})
	}
	return opts
}

func (f *setupFlow) submit(ctx context.Context, input map[string]any) (*State, error) {
	switch f.step {
	case stepUser:
		return f.submitUser(input)
	case stepSerial, stepBLE, stepTCP:
		return f.submitEndpoint(ctx, input)
	default:
		return nil, ErrUnknownFlow
	}
}

func (f *setupFlow) submitUser(input map[string]any) (*State, error) {
	var in struct {
		ConnectionType string `mapstructure:"connection_type"`
	}
	if err := decodeInput(input, &in); err != nil {
		return f.fail("connection_type", "invalid"), nil
	}

	switch transport.Kind(in.ConnectionType) {
	case transport.KindSerial:
		f.step = stepSerial
	case transport.KindBLE:
		f.step = stepBLE
	case transport.KindTCP:
		f.step = stepTCP
	default:
		return f.fail("connection_type", "invalid"), nil
	}
	return f.state(), nil
}

func (f *setupFlow) submitEndpoint(ctx context.Context, input map[string]any) (*State, error) {
	cfg, fieldErr := f.endpointConfig(input)
	if fieldErr != nil {
		return f.fail(fieldErr.field, fieldErr.code), nil
	}

	self, err := f.deps.Prober.Probe(ctx, cfg)
	if err != nil {
		code := "cannot_connect"
		if errors.Is(err, bus.ErrTimeout) {
			code = "timeout"
		}
		return f.fail("base", code), nil
	}

	return &State{
		ID:   f.id,
		Kind: KindSetup,
		Done: true,
		Result: map[string]any{
			"name":          self.Name,
			"pubkey_prefix": self.PubkeyPrefix(),
			"connection": map[string]any{
				"type":    string(cfg.Kind),
				"path":    cfg.Path,
				"baud":    cfg.Baud,
				"address": cfg.Address,
				"host":    cfg.Host,
				"port":    cfg.Port,
			},
		},
	}, nil
}

type fieldError struct {
	field string
	code  string
}

func (f *setupFlow) endpointConfig(input map[string]any) (transport.Config, *fieldError) {
	switch f.step {
	case stepSerial:
		var in struct {
			Port string `mapstructure:"port"`
			Baud int    `mapstructure:"baud"`
		}
		if err := decodeInput(input, &in); err != nil || in.Port == "" {
			return transport.Config{}, &fieldError{"port", "required"}
		}
		return transport.Serial(in.Port, in.Baud), nil

	case stepBLE:
		var in struct {
			Address string `mapstructure:"address"`
		}
		if err := decodeInput(input, &in); err != nil || in.Address == "" {
			return transport.Config{}, &fieldError{"address", "required"}
		}
		return transport.BLE(in.Address), nil

	default:
		var in struct {
			Host string `mapstructure:"host"`
			Port int    `mapstructure:"port"`
		}
		if err := decodeInput(input, &in); err != nil || in.Host == "" {
			return transport.Config{}, &fieldError{"host", "required"}
		}
		return transport.TCP(in.Host, in.Port), nil
	}
}

func (f *setupFlow) fail(field, code string) *State {
	st := f.state()
	st.Errors = map[string]string{field: code}
	return st
}
