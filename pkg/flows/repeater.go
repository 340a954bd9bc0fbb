package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/repeater"
	"github.com/LitBomb/meshcore-ha/pkg/session"
	"github.com/LitBomb/meshcore-ha/pkg/store"
)

// Repeater flow step names and menu actions.
const (
	stepInit   = "init"
	stepAdd    = "add_repeater"
	stepRemove = "remove_repeater"
)

// repeaterFlow manages the repeater subscription list: a menu step,
// then either authenticate-and-add or remove.
type repeaterFlow struct {
	id   uuid.UUID
	deps Deps
	step string
}

func newRepeaterFlow(id uuid.UUID, deps Deps) *repeaterFlow {
	return &repeaterFlow{id: id, deps: deps, step: stepInit}
}

func (f *repeaterFlow) state() *State {
	return &State{
		ID:     f.id,
		Kind:   KindRepeater,
		Step:   f.step,
		Schema: f.schema(context.Background()),
	}
}

func (f *repeaterFlow) schema(ctx context.Context) *Schema {
	switch f.step {
	case stepAdd:
		return &Schema{Fields: []Field{
			{Name: "pubkey_prefix", Type: FieldSelect, Required: true, Options: f.repeaterOptions(ctx)},
			{Name: "password", Type: FieldPassword, Required: true},
			{Name: "update_interval", Type: FieldInteger, Default: models.DefaultUpdateInterval},
		}}
	case stepRemove:
		return &Schema{Fields: []Field{
			{Name: "pubkey_prefix", Type: FieldSelect, Required: true, Options: f.subscribedOptions(ctx)},
		}}
	default:
		return &Schema{Fields: []Field{
			{Name: "action", Type: FieldSelect, Required: true, Options: []Option{
				{Value: stepAdd, Label: "Add repeater"},
				{Value: stepRemove, Label: "Remove repeater"},
			}},
		}}
	}
}

// repeaterOptions lists repeater and room-server contacts from the
// node's address book, keyed by pubkey prefix. The label is cosmetic.
func (f *repeaterFlow) repeaterOptions(ctx context.Context) []Option {
	contacts, err := f.deps.Contacts.Contacts(ctx)
	if err != nil {
		return nil
	}
	var opts []Option
	for _, c := range contacts {
		if c.Type != protocol.NodeTypeRepeater && c.Type != protocol.NodeTypeRoom {
			continue
		}
		opts = append(opts, Option{
			Value: c.PubkeyPrefix(),
			Label: fmt.Sprintf("%s (%s)", c.Name, c.PubkeyPrefix()),
		})
	}
	return opts
}

func (f *repeaterFlow) subscribedOptions(ctx context.Context) []Option {
	subs, err := f.deps.Subscriptions.List(ctx)
	if err != nil {
		return nil
	}
	opts := make([]Option, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, Option{
			Value: s.PubkeyPrefix,
			Label: fmt.Sprintf("%s (%s)", s.Name, s.PubkeyPrefix),
		})
	}
	return opts
}

func (f *repeaterFlow) submit(ctx context.Context, input map[string]any) (*State, error) {
	switch f.step {
	case stepInit:
		return f.submitInit(input)
	case stepAdd:
		return f.submitAdd(ctx, input)
	case stepRemove:
		return f.submitRemove(ctx, input)
	default:
		return nil, ErrUnknownFlow
	}
}

func (f *repeaterFlow) submitInit(input map[string]any) (*State, error) {
	var in struct {
		Action string `mapstructure:"action"`
	}
	if err := decodeInput(input, &in); err != nil {
		return f.fail("action", "invalid"), nil
	}
	switch in.Action {
	case stepAdd, stepRemove:
		f.step = in.Action
	default:
		return f.fail("action", "invalid"), nil
	}
	return f.state(), nil
}

func (f *repeaterFlow) submitAdd(ctx context.Context, input map[string]any) (*State, error) {
	var in struct {
		PubkeyPrefix   string `mapstructure:"pubkey_prefix"`
		Password       string `mapstructure:"password"`
		UpdateInterval int    `mapstructure:"update_interval"`
	}
	if err := decodeInput(input, &in); err != nil || in.PubkeyPrefix == "" {
		return f.fail("pubkey_prefix", "required"), nil
	}

	sub, err := f.deps.Login.LoginRepeater(ctx, in.PubkeyPrefix, in.Password, in.UpdateInterval)
	if err != nil {
		return f.fail("base", addErrorCode(err)), nil
	}

	if err := f.deps.Subscriptions.Add(ctx, sub); err != nil {
		if errors.Is(err, store.ErrDuplicatePrefix) {
			return f.fail("base", "already_configured"), nil
		}
		return f.fail("base", "storage_error"), nil
	}

	return &State{
		ID:   f.id,
		Kind: KindRepeater,
		Done: true,
		Result: map[string]any{
			"name":             sub.Name,
			"pubkey_prefix":    sub.PubkeyPrefix,
			"firmware_version": sub.FirmwareVersion,
			"update_interval":  sub.UpdateInterval,
			"enabled":          sub.Enabled,
		},
	}, nil
}

func addErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrContactNotFound):
		return "contact_not_found"
	case errors.Is(err, repeater.ErrAlreadyConfigured):
		return "already_configured"
	case errors.Is(err, bus.ErrTimeout):
		return "timeout"
	default:
		return "login_failed"
	}
}

func (f *repeaterFlow) submitRemove(ctx context.Context, input map[string]any) (*State, error) {
	var in struct {
		PubkeyPrefix string `mapstructure:"pubkey_prefix"`
	}
	if err := decodeInput(input, &in); err != nil || in.PubkeyPrefix == "" {
		return f.fail("pubkey_prefix", "required"), nil
	}

	if err := f.deps.Subscriptions.Remove(ctx, in.PubkeyPrefix); err != nil {
		return f.fail("base", "remove_failed"), nil
	}

	return &State{
		ID:   f.id,
		Kind: KindRepeater,
		Done: true,
		Result: map[string]any{
			"removed": in.PubkeyPrefix,
		},
	}, nil
}

func (f *repeaterFlow) fail(field, code string) *State {
	st := f.state()
	st.Errors = map[string]string{field: code}
	return st
}
