package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LitBomb/meshcore-ha/pkg/bus"
	"github.com/LitBomb/meshcore-ha/pkg/protocol"
)

// contactsTimeout bounds the whole contact list stream. Large address
// books over a slow serial link take a while.
const contactsTimeout = 15 * time.Second

// contactsBuffer must exceed the largest contact table any firmware
// ships (a few hundred entries) plus unrelated pushes arriving
// mid-stream, so a burst can never overflow the subscription.
const contactsBuffer = 2048

// Contacts fetches the node's address book, refreshing the contact
// cache. Results stay cached until the TTL expires or the session
// disconnects.
func (s *Session) Contacts(ctx context.Context) ([]*protocol.ContactInfo, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	// The list arrives as a stream of records rather than one reply, so
	// this op subscribes instead of registering a single waiter. The
	// subscription is live before the command leaves. A dedicated
	// collector drains the channel with nothing but appends between
	// receives, so dispatch never outruns it.
	events, unsub := s.bus.Subscribe(contactsBuffer)
	defer unsub()

	if err := s.Send(protocol.GetContacts()); err != nil {
		return nil, err
	}

	type contactList struct {
		contacts []*protocol.ContactInfo
		err      error
	}
	results := make(chan contactList, 1)
	go func() {
		var contacts []*protocol.ContactInfo
		for ev := range events {
			switch ev.Kind {
			case protocol.RespCodeContact:
				if c, ok := ev.Payload.(*protocol.ContactInfo); ok {
					contacts = append(contacts, c)
				}
			case protocol.RespCodeEndOfContacts:
				results <- contactList{contacts: contacts}
				return
			case protocol.RespCodeErr:
				results <- contactList{err: ErrProtocol}
				return
			}
		}
		results <- contactList{err: bus.ErrCancelled}
	}()

	deadline := time.NewTimer(contactsTimeout)
	defer deadline.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("contacts: %w", res.err)
		}
		s.cacheContacts(res.contacts)
		return res.contacts, nil
	case <-deadline.C:
		return nil, fmt.Errorf("contacts: %w", bus.ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("contacts: %w", bus.ErrCancelled)
	}
}

func (s *Session) cacheContacts(contacts []*protocol.ContactInfo) {
	for _, c := range contacts {
		s.contacts.Set(c.PubkeyPrefix(), c, ttlcache.DefaultTTL)
	}
}

// ContactByPrefix resolves a contact by its 12-hex-character key
// prefix, consulting the cache first and refreshing it on a miss.
func (s *Session) ContactByPrefix(ctx context.Context, prefix string) (*protocol.ContactInfo, error) {
	prefix = strings.ToLower(prefix)

	if item := s.contacts.Get(prefix); item != nil {
		return item.Value(), nil
	}

	contacts, err := s.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if c.PubkeyPrefix() == prefix {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContactNotFound, prefix)
}

// SendMessage sends a direct text message to a contact identified by
// key prefix and waits for the radio's send acknowledgement.
func (s *Session) SendMessage(ctx context.Context, prefix []byte, text string) (*protocol.MsgSent, error) {
	return s.sendText(ctx, protocol.TxtTypePlain, prefix, text)
}

// SendCommandText sends a CLI command line to a repeater or room
// server. The remote node answers with an ordinary contact message.
func (s *Session) SendCommandText(ctx context.Context, prefix []byte, text string) (*protocol.MsgSent, error) {
	return s.sendText(ctx, protocol.TxtTypeCommand, prefix, text)
}

func (s *Session) sendText(ctx context.Context, txtType byte, prefix []byte, text string) (*protocol.MsgSent, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	frame := protocol.SendTxtMsg(txtType, prefix, text, time.Now())
	pred := bus.AnyKind(protocol.RespCodeSent, protocol.RespCodeErr)
	ev, err := s.SendAndAwait(ctx, frame, pred, 0)
	if err != nil {
		return nil, err
	}
	if ev.Kind == protocol.RespCodeErr {
		return nil, fmt.Errorf("%w: message rejected", ErrProtocol)
	}
	sent, _ := ev.Payload.(*protocol.MsgSent)
	return sent, nil
}

// SendChannelMessage sends a text message on a shared channel slot.
func (s *Session) SendChannelMessage(ctx context.Context, channelIdx byte, text string) error {
	if err := s.requireReady(); err != nil {
		return err
	}

	frame := protocol.SendChannelTxtMsg(channelIdx, text, time.Now())
	pred := bus.AnyKind(protocol.RespCodeOK, protocol.RespCodeErr)
	ev, err := s.SendAndAwait(ctx, frame, pred, 0)
	if err != nil {
		return err
	}
	if ev.Kind == protocol.RespCodeErr {
		return fmt.Errorf("%w: channel message rejected", ErrProtocol)
	}
	return nil
}

// SyncNextMessage pops one queued message off the radio. It returns
// nil, nil when the queue is empty.
func (s *Session) SyncNextMessage(ctx context.Context) (*protocol.Event, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	pred := bus.AnyKind(
		protocol.RespCodeContactMsgRecv,
		protocol.RespCodeChannelMsgRecv,
		protocol.RespCodeNoMoreMessages,
		protocol.RespCodeErr,
	)
	ev, err := s.SendAndAwait(ctx, protocol.SyncNextMessage(), pred, 0)
	if err != nil {
		return nil, err
	}
	switch ev.Kind {
	case protocol.RespCodeNoMoreMessages:
		return nil, nil
	case protocol.RespCodeErr:
		return nil, fmt.Errorf("%w: sync rejected", ErrProtocol)
	}
	return ev, nil
}

// SyncAllMessages drains the radio's message queue and returns the
// received message events in arrival order.
func (s *Session) SyncAllMessages(ctx context.Context) ([]*protocol.Event, error) {
	var msgs []*protocol.Event
	for {
		ev, err := s.SyncNextMessage(ctx)
		if err != nil {
			return msgs, err
		}
		if ev == nil {
			return msgs, nil
		}
		msgs = append(msgs, ev)
	}
}

// BatteryVoltage reads the node's battery level.
func (s *Session) BatteryVoltage(ctx context.Context) (*protocol.BatteryVoltage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	ev, err := s.SendAndAwait(ctx, protocol.GetBatteryVoltage(),
		bus.KindIs(protocol.RespCodeBatteryVoltage), 0)
	if err != nil {
		return nil, err
	}
	bv, _ := ev.Payload.(*protocol.BatteryVoltage)
	return bv, nil
}

// DeviceTime reads the node's clock.
func (s *Session) DeviceTime(ctx context.Context) (time.Time, error) {
	if err := s.requireReady(); err != nil {
		return time.Time{}, err
	}

	ev, err := s.SendAndAwait(ctx, protocol.GetDeviceTime(),
		bus.KindIs(protocol.RespCodeCurrTime), 0)
	if err != nil {
		return time.Time{}, err
	}
	ct, ok := ev.Payload.(*protocol.CurrentTime)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: malformed time reply", ErrProtocol)
	}
	return time.Unix(int64(ct.Epoch), 0), nil
}

// SetDeviceTime sets the node's clock.
func (s *Session) SetDeviceTime(ctx context.Context, t time.Time) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.awaitOK(ctx, protocol.SetDeviceTime(uint32(t.Unix())))
}

// SendAdvert makes the node advertise itself, flooded through the mesh
// or zero hop.
func (s *Session) SendAdvert(ctx context.Context, flood bool) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	kind := protocol.AdvertZeroHop
	if flood {
		kind = protocol.AdvertFlood
	}
	return s.awaitOK(ctx, protocol.SendSelfAdvert(kind))
}

// DeviceQuery asks for hardware and firmware details.
func (s *Session) DeviceQuery(ctx context.Context) (*protocol.DeviceInfo, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	ev, err := s.SendAndAwait(ctx, protocol.DeviceQuery(),
		bus.KindIs(protocol.RespCodeDeviceInfo), 0)
	if err != nil {
		return nil, err
	}
	info, _ := ev.Payload.(*protocol.DeviceInfo)
	return info, nil
}

// SendStatusRequest asks an authenticated repeater for its telemetry
// block. The response arrives as a push filtered to the target's key
// prefix, so two repeaters polled concurrently cannot cross wires.
func (s *Session) SendStatusRequest(ctx context.Context, contact *protocol.ContactInfo) (*protocol.RepeaterStats, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	prefix := contact.PubkeyPrefix()
	pred := func(ev *protocol.Event) bool {
		if ev.Kind != protocol.PushCodeStatusResponse {
			return false
		}
		stats, ok := ev.Payload.(*protocol.RepeaterStats)
		return ok && stats.PrefixHex() == prefix
	}

	ev, err := s.SendAndAwait(ctx, protocol.SendStatusReq(contact.PublicKey[:]), pred, 0)
	if err != nil {
		return nil, err
	}
	stats, _ := ev.Payload.(*protocol.RepeaterStats)
	return stats, nil
}

// SetTxPower sets the transmit power in dBm.
func (s *Session) SetTxPower(ctx context.Context, dbm uint32) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.awaitOK(ctx, protocol.SetTxPower(dbm))
}

// SetRadioParams reconfigures the LoRa radio.
func (s *Session) SetRadioParams(ctx context.Context, freq, bw uint32, sf, cr byte) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.awaitOK(ctx, protocol.SetRadioParams(freq, bw, sf, cr))
}

// awaitOK runs a command that answers with a bare OK or error frame.
func (s *Session) awaitOK(ctx context.Context, frame []byte) error {
	pred := bus.AnyKind(protocol.RespCodeOK, protocol.RespCodeErr)
	ev, err := s.SendAndAwait(ctx, frame, pred, 0)
	if err != nil {
		return err
	}
	if ev.Kind == protocol.RespCodeErr {
		return fmt.Errorf("%w: %s rejected", ErrProtocol, protocol.CommandName(frame[0]))
	}
	return nil
}
