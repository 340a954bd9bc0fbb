package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrFrameTooShort  = errors.New("frame too short")
	ErrUnknownPayload = errors.New("unknown payload layout")
)

// Event is a single decoded frame from the radio. Events are immutable
// once produced; the dispatcher hands the same value to every matching
// waiter, so consumers must not modify Raw or Payload.
type Event struct {
	Kind       byte
	Payload    any
	Raw        []byte
	ReceivedAt time.Time
}

// KindName returns the logging label for the event's kind.
func (e *Event) KindName() string {
	return KindName(e.Kind)
}

// IsPush reports whether the event arrived unsolicited.
func (e *Event) IsPush() bool {
	return IsPush(e.Kind)
}

// Decode turns a raw inbound frame into a typed Event. The returned
// event is non-nil whenever the frame carries at least a code byte; a
// parse failure on a known layout is reported alongside the partially
// decoded event so the dispatch loop can log it and still deliver the
// raw frame to kind-only waiters.
func Decode(frame []byte, at time.Time) (*Event, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	ev := &Event{
		Kind:       frame[0],
		Raw:        frame,
		ReceivedAt: at,
	}

	body := frame[1:]
	var err error

	switch ev.Kind {
	case RespCodeOK:
		ev.Payload = parseOK(body)
	case RespCodeErr:
		ev.Payload = parseErr(body)
	case RespCodeContactsStart:
		ev.Payload, err = parseContactsStart(body)
	case RespCodeContact:
		ev.Payload, err = ParseContact(body)
	case RespCodeSelfInfo:
		ev.Payload, err = ParseSelfInfo(body)
	case RespCodeSent:
		ev.Payload, err = parseMsgSent(body)
	case RespCodeContactMsgRecv:
		ev.Payload, err = ParseContactMessage(body)
	case RespCodeChannelMsgRecv:
		ev.Payload, err = ParseChannelMessage(body)
	case RespCodeCurrTime:
		ev.Payload, err = parseCurrentTime(body)
	case RespCodeExportContact:
		ev.Payload = &ExportedContact{URI: "meshcore://" + hexString(body)}
	case RespCodeBatteryVoltage:
		ev.Payload, err = parseBatteryVoltage(body)
	case RespCodeDeviceInfo:
		ev.Payload, err = ParseDeviceInfo(body)
	case RespCodeChannelInfo:
		ev.Payload, err = parseChannelInfo(body)
	case PushCodeSendConfirmed:
		ev.Payload = parseAck(body)
	case PushCodeRawData:
		ev.Payload, err = parseRawData(body)
	case PushCodeLoginSuccess:
		ev.Payload = parseLoginResult(true, body)
	case PushCodeLoginFail:
		ev.Payload = parseLoginResult(false, body)
	case PushCodeStatusResponse:
		ev.Payload, err = ParseRepeaterStats(body)
	case PushCodePathUpdated:
		ev.Payload = parsePathUpdate(body)
	case PushCodeAdvert, PushCodeNewAdvert:
		ev.Payload, err = ParseAdvert(body)
	case PushCodeTelemetry:
		ev.Payload, err = parseTelemetry(body)
	}

	if err != nil {
		ev.Payload = nil
		return ev, fmt.Errorf("decode %s: %w", ev.KindName(), err)
	}
	return ev, nil
}
