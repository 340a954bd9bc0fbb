package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Contact records from the node carry a trailing lastmod field that
	// outbound AddUpdateContact frames omit.
	contactRecordSize    = 147
	contactRecordMinSize = 143

	selfInfoMinSize   = 57
	repeaterStatsSize = 55
	channelInfoSize   = 49

	// Coordinate scale factor (lat/lon stored as int32 * 1_000_000)
	CoordScale = 1_000_000.0

	// PrefixLen is the number of public key bytes used as the short
	// identifier for a remote node. Rendered as 12 hex characters.
	PrefixLen = 6
)

// OKResult is the payload of a plain OK reply. Some commands return a
// 32-bit value alongside the acknowledgement.
type OKResult struct {
	Value *uint32
}

// ErrorResult is the payload of an error reply.
type ErrorResult struct {
	Code byte
}

// ContactsStart announces how many contact records follow.
type ContactsStart struct {
	Count uint32
}

// ContactInfo is a single contact record from the node's address book.
type ContactInfo struct {
	PublicKey  [32]byte
	Type       uint8
	Flags      uint8
	OutPathLen int8
	OutPath    []byte
	Name       string
	LastAdvert uint32
	Lat        float64
	Lon        float64
	LastMod    uint32
}

// PubkeyPrefix returns the short hex identifier for the contact.
func (c *ContactInfo) PubkeyPrefix() string {
	return hex.EncodeToString(c.PublicKey[:PrefixLen])
}

// TypeName returns the human-readable node type name.
func (c *ContactInfo) TypeName() string {
	return NodeTypeName(c.Type)
}

// SelfInfo describes the connected node itself, returned during the
// AppStart handshake.
type SelfInfo struct {
	AdvType    uint8
	TxPower    uint8
	MaxTxPower uint8
	PublicKey  [32]byte
	Lat        float64
	Lon        float64
	RadioFreq  uint32
	RadioBW    uint32
	RadioSF    uint8
	RadioCR    uint8
	Name       string
}

// PubkeyPrefix returns the short hex identifier for the node.
func (s *SelfInfo) PubkeyPrefix() string {
	return hex.EncodeToString(s.PublicKey[:PrefixLen])
}

// MsgSent acknowledges an outbound message and carries the ack hash the
// radio will confirm later.
type MsgSent struct {
	Type             uint8
	ExpectedAck      [4]byte
	SuggestedTimeout uint32
}

// ContactMessage is a direct text message from a contact, identified by
// its key prefix.
type ContactMessage struct {
	PubkeyPrefix    [PrefixLen]byte
	PathLen         uint8
	TxtType         uint8
	SenderTimestamp uint32
	Signature       [4]byte
	Text            string
}

// PrefixHex returns the sender's key prefix as 12 hex characters.
func (m *ContactMessage) PrefixHex() string {
	return hex.EncodeToString(m.PubkeyPrefix[:])
}

// ChannelMessage is a text message received on a shared channel.
type ChannelMessage struct {
	ChannelIdx      uint8
	PathLen         uint8
	TxtType         uint8
	SenderTimestamp uint32
	Text            string
}

// CurrentTime is the node's clock as a Unix timestamp.
type CurrentTime struct {
	Epoch uint32
}

// BatteryVoltage is the node's battery level in millivolts.
type BatteryVoltage struct {
	Millivolts uint16
}

// DeviceInfo describes the node hardware and firmware, returned by
// CmdDeviceQuery.
type DeviceInfo struct {
	FirmwareVer   uint8
	MaxContacts   int
	MaxChannels   int
	FirmwareBuild string
	Model         string
	Version       string
}

// ChannelInfo is a single shared-channel slot.
type ChannelInfo struct {
	Index  uint8
	Name   string
	Secret [16]byte
}

// ExportedContact is a shareable contact URI.
type ExportedContact struct {
	URI string
}

// Ack confirms delivery of a previously sent message.
type Ack struct {
	AckHash     [4]byte
	RoundTripMS uint32
}

// RawData is an application-level datagram with radio quality info.
type RawData struct {
	SNR     float64
	RSSI    int8
	Payload []byte
}

// LoginResult reports the outcome of a repeater login attempt.
type LoginResult struct {
	Success      bool
	PubkeyPrefix []byte
}

// RepeaterStats is the telemetry block a repeater returns to an
// authenticated status request.
type RepeaterStats struct {
	PubkeyPrefix [PrefixLen]byte
	BatteryMV    uint16
	TxQueueLen   uint16
	FreeQueueLen uint16
	LastRSSI     int16
	NumRecv      uint32
	NumSent      uint32
	Airtime      uint32
	Uptime       uint32
	SentFlood    uint32
	SentDirect   uint32
	RecvFlood    uint32
	RecvDirect   uint32
	FullEvents   uint16
	LastSNR      float64
	DirectDups   uint16
	FloodDups    uint16
}

// PrefixHex returns the reporting repeater's key prefix as hex.
func (s *RepeaterStats) PrefixHex() string {
	return hex.EncodeToString(s.PubkeyPrefix[:])
}

// PathUpdate signals that the route to a contact changed.
type PathUpdate struct {
	PubkeyPrefix []byte
}

// Telemetry is a sensor telemetry block in Cayenne LPP form.
type Telemetry struct {
	PubkeyPrefix []byte
	LPP          []byte
}

func parseOK(body []byte) *OKResult {
	res := &OKResult{}
	if len(body) >= 4 {
		v := binary.LittleEndian.Uint32(body[0:4])
		res.Value = &v
	}
	return res
}

func parseErr(body []byte) *ErrorResult {
	res := &ErrorResult{}
	if len(body) >= 1 {
		res.Code = body[0]
	}
	return res
}

func parseContactsStart(body []byte) (*ContactsStart, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: contacts_start needs 4 bytes, got %d", ErrFrameTooShort, len(body))
	}
	return &ContactsStart{Count: binary.LittleEndian.Uint32(body[0:4])}, nil
}

// ParseContact parses a single contact record. The body excludes the
// reply code byte.
func ParseContact(body []byte) (*ContactInfo, error) {
	if len(body) < contactRecordMinSize {
		return nil, fmt.Errorf("%w: contact record needs %d bytes, got %d",
			ErrFrameTooShort, contactRecordMinSize, len(body))
	}

	c := &ContactInfo{
		Type:       body[32],
		Flags:      body[33],
		OutPathLen: int8(body[34]),
		Name:       trimNulls(body[99:131]),
		LastAdvert: binary.LittleEndian.Uint32(body[131:135]),
		Lat:        coord(body[135:139]),
		Lon:        coord(body[139:143]),
	}
	if len(body) >= contactRecordSize {
		c.LastMod = binary.LittleEndian.Uint32(body[143:147])
	}
	copy(c.PublicKey[:], body[0:32])

	plen := int(c.OutPathLen)
	if plen < 0 || plen > 64 {
		plen = 0
	}
	c.OutPath = append([]byte(nil), body[35:35+plen]...)

	return c, nil
}

// ParseSelfInfo parses the node identity block from the AppStart reply.
func ParseSelfInfo(body []byte) (*SelfInfo, error) {
	if len(body) < selfInfoMinSize {
		return nil, fmt.Errorf("%w: self_info needs %d bytes, got %d",
			ErrFrameTooShort, selfInfoMinSize, len(body))
	}

	s := &SelfInfo{
		AdvType:    body[0],
		TxPower:    body[1],
		MaxTxPower: body[2],
		Lat:        coord(body[35:39]),
		Lon:        coord(body[39:43]),
		RadioFreq:  binary.LittleEndian.Uint32(body[47:51]),
		RadioBW:    binary.LittleEndian.Uint32(body[51:55]),
		RadioSF:    body[55],
		RadioCR:    body[56],
	}
	copy(s.PublicKey[:], body[3:35])
	if len(body) > selfInfoMinSize {
		s.Name = trimNulls(body[57:])
	}

	return s, nil
}

func parseMsgSent(body []byte) (*MsgSent, error) {
	if len(body) < 9 {
		return nil, fmt.Errorf("%w: msg_sent needs 9 bytes, got %d", ErrFrameTooShort, len(body))
	}
	m := &MsgSent{
		Type:             body[0],
		SuggestedTimeout: binary.LittleEndian.Uint32(body[5:9]),
	}
	copy(m.ExpectedAck[:], body[1:5])
	return m, nil
}

// ParseContactMessage parses a direct message reply or push. Signed
// messages carry a 4-byte signature between the header and the text.
func ParseContactMessage(body []byte) (*ContactMessage, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("%w: contact message needs 12 bytes, got %d", ErrFrameTooShort, len(body))
	}

	m := &ContactMessage{
		PathLen:         body[6],
		TxtType:         body[7],
		SenderTimestamp: binary.LittleEndian.Uint32(body[8:12]),
	}
	copy(m.PubkeyPrefix[:], body[0:6])

	text := body[12:]
	if m.TxtType == TxtTypeSigned {
		if len(body) < 16 {
			return nil, fmt.Errorf("%w: signed message needs 16 bytes, got %d", ErrFrameTooShort, len(body))
		}
		copy(m.Signature[:], body[12:16])
		text = body[16:]
	}
	m.Text = string(text)

	return m, nil
}

// ParseChannelMessage parses a shared-channel message reply or push.
func ParseChannelMessage(body []byte) (*ChannelMessage, error) {
	if len(body) < 7 {
		return nil, fmt.Errorf("%w: channel message needs 7 bytes, got %d", ErrFrameTooShort, len(body))
	}
	return &ChannelMessage{
		ChannelIdx:      body[0],
		PathLen:         body[1],
		TxtType:         body[2],
		SenderTimestamp: binary.LittleEndian.Uint32(body[3:7]),
		Text:            string(body[7:]),
	}, nil
}

func parseCurrentTime(body []byte) (*CurrentTime, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: current_time needs 4 bytes, got %d", ErrFrameTooShort, len(body))
	}
	return &CurrentTime{Epoch: binary.LittleEndian.Uint32(body[0:4])}, nil
}

func parseBatteryVoltage(body []byte) (*BatteryVoltage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: battery voltage needs 2 bytes, got %d", ErrFrameTooShort, len(body))
	}
	return &BatteryVoltage{Millivolts: binary.LittleEndian.Uint16(body[0:2])}, nil
}

// ParseDeviceInfo parses the CmdDeviceQuery reply. Older firmware sends
// only the version byte; newer builds append capacity limits and
// identification strings.
func ParseDeviceInfo(body []byte) (*DeviceInfo, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: device_info needs 1 byte, got %d", ErrFrameTooShort, len(body))
	}

	info := &DeviceInfo{
		FirmwareVer: body[0],
		Version:     fmt.Sprintf("fw-%d", body[0]),
	}
	if info.FirmwareVer < 3 {
		return info, nil
	}

	if len(body) >= 2 {
		info.MaxContacts = int(body[1]) * 2
	}
	if len(body) >= 3 {
		info.MaxChannels = int(body[2])
	}
	if len(body) < 79 {
		return info, nil
	}

	info.FirmwareBuild = trimNulls(body[7:19])
	info.Model = trimNulls(body[19:59])
	if ver := strings.TrimSpace(trimNulls(body[59:])); ver != "" {
		info.Version = ver
	}

	return info, nil
}

func parseChannelInfo(body []byte) (*ChannelInfo, error) {
	if len(body) < channelInfoSize {
		return nil, fmt.Errorf("%w: channel_info needs %d bytes, got %d",
			ErrFrameTooShort, channelInfoSize, len(body))
	}
	ci := &ChannelInfo{
		Index: body[0],
		Name:  trimNulls(body[1:33]),
	}
	copy(ci.Secret[:], body[33:49])
	return ci, nil
}

func parseAck(body []byte) *Ack {
	ack := &Ack{}
	if len(body) >= 4 {
		copy(ack.AckHash[:], body[0:4])
	}
	if len(body) >= 8 {
		ack.RoundTripMS = binary.LittleEndian.Uint32(body[4:8])
	}
	return ack
}

func parseRawData(body []byte) (*RawData, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("%w: raw data needs 3 bytes, got %d", ErrFrameTooShort, len(body))
	}
	return &RawData{
		SNR:     float64(int8(body[0])) / 4,
		RSSI:    int8(body[1]),
		Payload: append([]byte(nil), body[3:]...),
	}, nil
}

func parseLoginResult(success bool, body []byte) *LoginResult {
	res := &LoginResult{Success: success}
	if len(body) >= 1+PrefixLen {
		res.PubkeyPrefix = append([]byte(nil), body[1:1+PrefixLen]...)
	}
	return res
}

// ParseRepeaterStats parses the status response block. The body starts
// with a reserved byte followed by the repeater's key prefix.
func ParseRepeaterStats(body []byte) (*RepeaterStats, error) {
	if len(body) < repeaterStatsSize {
		return nil, fmt.Errorf("%w: status response needs %d bytes, got %d",
			ErrFrameTooShort, repeaterStatsSize, len(body))
	}

	s := &RepeaterStats{
		BatteryMV:    binary.LittleEndian.Uint16(body[7:9]),
		TxQueueLen:   binary.LittleEndian.Uint16(body[9:11]),
		FreeQueueLen: binary.LittleEndian.Uint16(body[11:13]),
		LastRSSI:     int16(binary.LittleEndian.Uint16(body[13:15])),
		NumRecv:      binary.LittleEndian.Uint32(body[15:19]),
		NumSent:      binary.LittleEndian.Uint32(body[19:23]),
		Airtime:      binary.LittleEndian.Uint32(body[23:27]),
		Uptime:       binary.LittleEndian.Uint32(body[27:31]),
		SentFlood:    binary.LittleEndian.Uint32(body[31:35]),
		SentDirect:   binary.LittleEndian.Uint32(body[35:39]),
		RecvFlood:    binary.LittleEndian.Uint32(body[39:43]),
		RecvDirect:   binary.LittleEndian.Uint32(body[43:47]),
		FullEvents:   binary.LittleEndian.Uint16(body[47:49]),
		LastSNR:      float64(int16(binary.LittleEndian.Uint16(body[49:51]))) / 4,
		DirectDups:   binary.LittleEndian.Uint16(body[51:53]),
		FloodDups:    binary.LittleEndian.Uint16(body[53:55]),
	}
	copy(s.PubkeyPrefix[:], body[1:7])

	return s, nil
}

func parsePathUpdate(body []byte) *PathUpdate {
	pu := &PathUpdate{}
	if len(body) >= PrefixLen {
		pu.PubkeyPrefix = append([]byte(nil), body[0:PrefixLen]...)
	}
	return pu
}

func parseTelemetry(body []byte) (*Telemetry, error) {
	if len(body) < 1+PrefixLen {
		return nil, fmt.Errorf("%w: telemetry needs %d bytes, got %d",
			ErrFrameTooShort, 1+PrefixLen, len(body))
	}
	return &Telemetry{
		PubkeyPrefix: append([]byte(nil), body[1:1+PrefixLen]...),
		LPP:          append([]byte(nil), body[1+PrefixLen:]...),
	}, nil
}

func coord(b []byte) float64 {
	return float64(int32(binary.LittleEndian.Uint32(b))) / CoordScale
}

func trimNulls(b []byte) string {
	return strings.Trim(string(b), "\x00")
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
