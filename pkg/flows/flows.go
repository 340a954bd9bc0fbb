// Package flows drives the interactive setup and repeater-management
// wizards as data: each step hands a schema to the front-end, takes a
// flat key/value map back, and either advances to another step or
// finalizes with a result. Contact identity travels as a structured
// pubkey prefix end to end; display labels are presentation only and
// are never parsed.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/transport"
)

// Flow kinds accepted by Manager.Begin.
const (
	KindSetup    = "setup"
	KindRepeater = "repeater"
)

var (
	ErrUnknownFlow = errors.New("unknown flow")
	ErrUnknownKind = errors.New("unknown flow kind")
)

// Field types understood by the front-end.
const (
	FieldString   = "string"
	FieldInteger  = "integer"
	FieldPassword = "password"
	FieldSelect   = "select"
	FieldBoolean  = "boolean"
)

// Option is one choice in a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Field describes one input the current step expects.
type Field struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Default  any      `json:"default,omitempty"`
	Options  []Option `json:"options,omitempty"`
}

// Schema describes the inputs of one step.
type Schema struct {
	Fields []Field `json:"fields"`
}

// State is the flow engine's answer to a begin or submit call: either
// another step to render, or a final result.
type State struct {
	ID     uuid.UUID         `json:"id"`
	Kind   string            `json:"kind"`
	Step   string            `json:"step,omitempty"`
	Schema *Schema           `json:"schema,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Done   bool              `json:"done"`
	Result map[string]any    `json:"result,omitempty"`
}

// flow is one in-progress wizard instance.
type flow interface {
	state() *State
	submit(ctx context.Context, input map[string]any) (*State, error)
}

// Prober validates a connection config by connecting a short-lived
// probe session and returning the node's identity.
type Prober interface {
	Probe(ctx context.Context, cfg transport.Config) (*protocol.SelfInfo, error)
}

// Discoverer supplies BLE scan results for the setup flow. The flow
// only consumes the list; scanning happens elsewhere.
type Discoverer interface {
	Discover(ctx context.Context) ([]transport.DiscoveredDevice, error)
}

// ContactSource lists the connected node's address book.
type ContactSource interface {
	Contacts(ctx context.Context) ([]*protocol.ContactInfo, error)
}

// LoginRunner executes the repeater login protocol.
type LoginRunner interface {
	LoginRepeater(ctx context.Context, prefix, password string, updateInterval int) (*models.RepeaterSubscription, error)
}

// SubscriptionSet is the slice of the store the repeater flow needs.
type SubscriptionSet interface {
	List(ctx context.Context) ([]*models.RepeaterSubscription, error)
	Add(ctx context.Context, sub *models.RepeaterSubscription) error
	Remove(ctx context.Context, prefix string) error
}

// Deps are the collaborators flows call out to, injected rather than
// looked up.
type Deps struct {
	Prober        Prober
	Discoverer    Discoverer
	Contacts      ContactSource
	Login         LoginRunner
	Subscriptions SubscriptionSet
	Logger        *slog.Logger
}

// Manager tracks in-progress flow instances by ID.
type Manager struct {
	deps Deps
	log  *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]flow
}

// NewManager creates a flow manager with the given collaborators.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		log:    deps.Logger.With("component", "flows"),
		active: make(map[uuid.UUID]flow),
	}
}

// Begin starts a new flow of the given kind and returns its first step.
func (m *Manager) Begin(ctx context.Context, kind string) (*State, error) {
	var f flow
	switch kind {
	case KindSetup:
		f = newSetupFlow(uuid.New(), m.deps)
	case KindRepeater:
		f = newRepeaterFlow(uuid.New(), m.deps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	st := f.state()
	m.mu.Lock()
	m.active[st.ID] = f
	m.mu.Unlock()

	m.log.Debug("flow started", "kind", kind, "id", st.ID)
	return st, nil
}

// Submit feeds user input to an in-progress flow. Finished flows are
// forgotten; their ID is single use.
func (m *Manager) Submit(ctx context.Context, id uuid.UUID, input map[string]any) (*State, error) {
	m.mu.Lock()
	f, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, id)
	}

	st, err := f.submit(ctx, input)
	if err != nil {
		return nil, err
	}
	if st.Done {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		m.log.Debug("flow finished", "kind", st.Kind, "id", id)
	}
	return st, nil
}

// Abort drops an in-progress flow.
func (m *Manager) Abort(id uuid.UUID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// decodeInput maps a flat input map onto a step's typed struct.
// Weak typing lets HTML form strings fill integer fields.
func decodeInput(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
