package protocol

import (
	"encoding/binary"
	"time"
)

// appVer is the protocol version byte sent in the AppStart command.
const appVer byte = 1

// AppStart builds the handshake command. The node replies with a
// SelfInfo frame carrying its identity.
func AppStart(appName string) []byte {
	frame := make([]byte, 0, 8+len(appName))
	frame = append(frame, CmdAppStart, appVer)
	frame = append(frame, 0, 0, 0, 0, 0, 0)
	frame = append(frame, appName...)
	return frame
}

// SendTxtMsg builds a direct text message to the contact identified by
// the 6-byte key prefix. txtType selects plain text, a repeater CLI
// command, or a signed message.
func SendTxtMsg(txtType byte, prefix []byte, text string, at time.Time) []byte {
	frame := make([]byte, 0, 13+len(text))
	frame = append(frame, CmdSendTxtMsg, txtType, 0)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(at.Unix()))
	frame = append(frame, prefix[:PrefixLen]...)
	frame = append(frame, text...)
	return frame
}

// SendChannelTxtMsg builds a text message for a shared channel slot.
func SendChannelTxtMsg(channelIdx byte, text string, at time.Time) []byte {
	frame := make([]byte, 0, 7+len(text))
	frame = append(frame, CmdSendChannelTxtMsg, TxtTypePlain, channelIdx)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(at.Unix()))
	frame = append(frame, text...)
	return frame
}

// GetContacts asks the node to stream its contact list.
func GetContacts() []byte {
	return []byte{CmdGetContacts}
}

// GetDeviceTime reads the node clock.
func GetDeviceTime() []byte {
	return []byte{CmdGetDeviceTime}
}

// SetDeviceTime sets the node clock to the given Unix timestamp.
func SetDeviceTime(epoch uint32) []byte {
	frame := []byte{CmdSetDeviceTime}
	return binary.LittleEndian.AppendUint32(frame, epoch)
}

// SendSelfAdvert makes the node advertise itself, either zero hop or
// flooded through the mesh.
func SendSelfAdvert(kind byte) []byte {
	return []byte{CmdSendSelfAdvert, kind}
}

// SetAdvertName changes the node's advertised name.
func SetAdvertName(name string) []byte {
	return append([]byte{CmdSetAdvertName}, name...)
}

// AddUpdateContact writes a contact record into the node's address
// book. The layout mirrors the contact records the node streams back.
func AddUpdateContact(c *ContactInfo) []byte {
	frame := make([]byte, 0, 1+contactRecordSize)
	frame = append(frame, CmdAddUpdateContact)
	frame = append(frame, c.PublicKey[:]...)
	frame = append(frame, c.Type, c.Flags, byte(c.OutPathLen))

	var outPath [64]byte
	copy(outPath[:], c.OutPath)
	frame = append(frame, outPath[:]...)

	var name [32]byte
	copy(name[:], c.Name)
	frame = append(frame, name[:]...)

	frame = binary.LittleEndian.AppendUint32(frame, c.LastAdvert)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(int32(c.Lat*CoordScale)))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(int32(c.Lon*CoordScale)))
	return frame
}

// SyncNextMessage pops the next queued message off the node.
func SyncNextMessage() []byte {
	return []byte{CmdSyncNextMessage}
}

// SetRadioParams reconfigures the LoRa radio.
func SetRadioParams(freq, bw uint32, sf, cr byte) []byte {
	frame := []byte{CmdSetRadioParams}
	frame = binary.LittleEndian.AppendUint32(frame, freq)
	frame = binary.LittleEndian.AppendUint32(frame, bw)
	return append(frame, sf, cr)
}

// SetTxPower sets the transmit power in dBm.
func SetTxPower(dbm uint32) []byte {
	frame := []byte{CmdSetTxPower}
	return binary.LittleEndian.AppendUint32(frame, dbm)
}

// SetTuningParams adjusts receive delay and frequency correction.
func SetTuningParams(rxDelay, afc uint32) []byte {
	frame := []byte{CmdSetTuningParams}
	frame = binary.LittleEndian.AppendUint32(frame, rxDelay)
	frame = binary.LittleEndian.AppendUint32(frame, afc)
	return append(frame, 0, 0)
}

// ResetPath clears the stored outbound path for a contact so the next
// send floods.
func ResetPath(publicKey []byte) []byte {
	return append([]byte{CmdResetPath}, publicKey...)
}

// SetAdvertLatLon sets the node's advertised position.
func SetAdvertLatLon(lat, lon float64) []byte {
	frame := []byte{CmdSetAdvertLatLon}
	frame = binary.LittleEndian.AppendUint32(frame, uint32(int32(lat*CoordScale)))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(int32(lon*CoordScale)))
	return frame
}

// RemoveContact deletes a contact from the node's address book.
func RemoveContact(publicKey []byte) []byte {
	return append([]byte{CmdRemoveContact}, publicKey...)
}

// ShareContact rebroadcasts a contact's advertisement to the mesh.
func ShareContact(publicKey []byte) []byte {
	return append([]byte{CmdShareContact}, publicKey...)
}

// ExportContact asks for a shareable URI. With no key the node exports
// its own identity.
func ExportContact(publicKey []byte) []byte {
	return append([]byte{CmdExportContact}, publicKey...)
}

// Reboot restarts the node. The guard string prevents an accidental
// single-byte frame from rebooting the radio.
func Reboot() []byte {
	return append([]byte{CmdReboot}, "reboot"...)
}

// GetBatteryVoltage reads the battery level.
func GetBatteryVoltage() []byte {
	return []byte{CmdGetBatteryVoltage}
}

// DeviceQuery asks for hardware and firmware details.
func DeviceQuery() []byte {
	return []byte{CmdDeviceQuery, appVer}
}

// SendLogin starts an authenticated session with a repeater or room
// server. The password travels to the target over the mesh, not in the
// clear on this link.
func SendLogin(publicKey []byte, password string) []byte {
	frame := make([]byte, 0, 1+len(publicKey)+len(password))
	frame = append(frame, CmdSendLogin)
	frame = append(frame, publicKey...)
	frame = append(frame, password...)
	return frame
}

// SendStatusReq asks an authenticated repeater for its telemetry block.
func SendStatusReq(publicKey []byte) []byte {
	return append([]byte{CmdSendStatusReq}, publicKey...)
}

// GetChannel reads a shared-channel slot.
func GetChannel(idx byte) []byte {
	return []byte{CmdGetChannel, idx}
}

// SetChannel writes a shared-channel slot.
func SetChannel(idx byte, name string, secret [16]byte) []byte {
	frame := make([]byte, 0, 50)
	frame = append(frame, CmdSetChannel, idx)

	var nameBuf [32]byte
	copy(nameBuf[:], name)
	frame = append(frame, nameBuf[:]...)
	frame = append(frame, secret[:]...)
	return frame
}

// SendTelemetryReq asks a sensor node for its telemetry block.
func SendTelemetryReq(publicKey []byte) []byte {
	return append([]byte{CmdSendTelemetryReq}, publicKey...)
}
