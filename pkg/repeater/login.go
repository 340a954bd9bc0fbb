// Package repeater implements the authentication handshake with a
// remote repeater or room server, built purely on the session's
// correlated request/response primitive. The protocol resolves a
// contact, logs in with a password, probes the firmware version on a
// best-effort basis, and produces a subscription record for the caller
// to persist.
package repeater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/models"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
	"github.com/LitBomb/meshcore-ha/pkg/session"
)

var (
	// ErrAlreadyConfigured reports a login attempt against a prefix
	// that is already subscribed. Checked before any traffic is sent.
	ErrAlreadyConfigured = errors.New("repeater already configured")
	// ErrLoginFailed reports a rejected or timed-out login. The remote
	// node does not say which password was wrong, only that it was.
	ErrLoginFailed = errors.New("repeater login failed")
)

// Timeouts for the two awaited exchanges. The login answer has to make
// a mesh round trip; the version probe can take even longer because
// the repeater schedules the reply like any other message.
const (
	LoginTimeout   = 10 * time.Second
	VersionTimeout = 15 * time.Second
)

// UnknownVersion is recorded when the version probe fails. Version
// info is cosmetic; login is not.
const UnknownVersion = "Unknown"

// SubscriptionChecker is the slice of the store the protocol needs to
// enforce prefix uniqueness.
type SubscriptionChecker interface {
	GetByPrefix(ctx context.Context, prefix string) (*models.RepeaterSubscription, error)
}

// Protocol runs repeater logins over one ready session.
type Protocol struct {
	session *session.Session
	subs    SubscriptionChecker
	log     *slog.Logger

	loginTimeout   time.Duration
	versionTimeout time.Duration
}

// New creates a login protocol bound to a session and the subscription
// set used for the uniqueness check.
func New(s *session.Session, subs SubscriptionChecker, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		session:        s,
		subs:           subs,
		log:            logger.With("component", "repeater"),
		loginTimeout:   LoginTimeout,
		versionTimeout: VersionTimeout,
	}
}

// Login authenticates against the repeater identified by key prefix
// and returns the subscription record to persist. It performs no
// persistence of its own.
func (p *Protocol) Login(ctx context.Context, prefix, password string, updateInterval int) (*models.RepeaterSubscription, error) {
	contact, err := p.session.ContactByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	existing, err := p.subs.GetByPrefix(ctx, contact.PubkeyPrefix())
	if err != nil {
		return nil, fmt.Errorf("check subscriptions: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConfigured, contact.PubkeyPrefix())
	}

	if err := p.login(ctx, contact, password); err != nil {
		return nil, err
	}

	version := p.queryVersion(ctx, contact)

	if updateInterval <= 0 {
		updateInterval = models.DefaultUpdateInterval
	}
	return &models.RepeaterSubscription{
		Name:            contact.Name,
		PubkeyPrefix:    contact.PubkeyPrefix(),
		FirmwareVersion: version,
		Password:        password,
		UpdateInterval:  updateInterval,
		Enabled:         true,
	}, nil
}

// login sends the credential and waits for the repeater's verdict.
// Timeout, an explicit rejection, and an error reply all come back as
// ErrLoginFailed.
func (p *Protocol) login(ctx context.Context, contact *protocol.ContactInfo, password string) error {
	pred := loginResultFor(contact)
	frame := protocol.SendLogin(contact.PublicKey[:], password)

	ev, err := p.session.SendAndAwait(ctx, frame, pred, p.loginTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrCancelled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	switch ev.Kind {
	case protocol.PushCodeLoginSuccess:
		p.log.Info("repeater login ok", "name", contact.Name, "prefix", contact.PubkeyPrefix())
		return nil
	default:
		return fmt.Errorf("%w: rejected by %s", ErrLoginFailed, contact.Name)
	}
}

// loginResultFor matches the login verdict for one contact. Results
// that carry a key prefix are filtered to it so concurrent logins
// against different repeaters cannot steal each other's answers.
func loginResultFor(contact *protocol.ContactInfo) bus.Predicate {
	want := contact.PublicKey[:protocol.PrefixLen]
	return func(ev *protocol.Event) bool {
		switch ev.Kind {
		case protocol.PushCodeLoginSuccess, protocol.PushCodeLoginFail:
			res, ok := ev.Payload.(*protocol.LoginResult)
			if !ok || len(res.PubkeyPrefix) == 0 {
				return true
			}
			return bytes.Equal(res.PubkeyPrefix, want)
		case protocol.RespCodeErr:
			return true
		default:
			return false
		}
	}
}

// queryVersion asks the repeater for its firmware version via the
// "ver" CLI command. Every failure downgrades to UnknownVersion; a
// subscription is still created, because a repeater that answers
// logins but not CLI chatter is still worth polling.
func (p *Protocol) queryVersion(ctx context.Context, contact *protocol.ContactInfo) string {
	prefix := contact.PubkeyPrefix()
	pred := func(ev *protocol.Event) bool {
		if ev.Kind != protocol.RespCodeContactMsgRecv {
			return false
		}
		msg, ok := ev.Payload.(*protocol.ContactMessage)
		return ok && msg.PrefixHex() == prefix
	}

	// The reply is queued on the radio like any other message, so the
	// probe pumps the queue itself whenever the radio signals waiting
	// messages. A concurrent sync elsewhere is harmless: dispatch is a
	// broadcast, so the filtered waiter still sees the reply.
	pushes, unsub := p.session.Subscribe(16)
	defer unsub()
	go p.pumpMessages(ctx, pushes)

	frame := protocol.SendTxtMsg(protocol.TxtTypeCommand, contact.PublicKey[:], "ver", time.Now())
	ev, err := p.session.SendAndAwait(ctx, frame, pred, p.versionTimeout)
	if err != nil {
		p.log.Warn("version probe failed", "name", contact.Name, "error", err)
		return UnknownVersion
	}

	msg, ok := ev.Payload.(*protocol.ContactMessage)
	if !ok || msg.Text == "" {
		return UnknownVersion
	}
	return msg.Text
}

// pumpMessages drains the radio's queue whenever it signals waiting
// messages, until the subscription is torn down.
func (p *Protocol) pumpMessages(ctx context.Context, pushes <-chan *protocol.Event) {
	for {
		select {
		case ev, ok := <-pushes:
			if !ok {
				return
			}
			if ev.Kind != protocol.PushCodeMsgWaiting {
				continue
			}
			if _, err := p.session.SyncAllMessages(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
