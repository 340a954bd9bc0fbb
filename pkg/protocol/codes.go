package protocol

import "fmt"

// Command codes accepted by a companion radio. Multi-byte fields are
// little endian throughout.
const (
	CmdAppStart          byte = 0x01
	CmdSendTxtMsg        byte = 0x02
	CmdSendChannelTxtMsg byte = 0x03
	CmdGetContacts       byte = 0x04
	CmdGetDeviceTime     byte = 0x05
	CmdSetDeviceTime     byte = 0x06
	CmdSendSelfAdvert    byte = 0x07
	CmdSetAdvertName     byte = 0x08
	CmdAddUpdateContact  byte = 0x09
	CmdSyncNextMessage   byte = 0x0A
	CmdSetRadioParams    byte = 0x0B
	CmdSetTxPower        byte = 0x0C
	CmdResetPath         byte = 0x0D
	CmdSetAdvertLatLon   byte = 0x0E
	CmdRemoveContact     byte = 0x0F
	CmdShareContact      byte = 0x10
	CmdExportContact     byte = 0x11
	CmdImportContact     byte = 0x12
	CmdReboot            byte = 0x13
	CmdGetBatteryVoltage byte = 0x14
	CmdSetTuningParams   byte = 0x15
	CmdDeviceQuery       byte = 0x16
	CmdSendRawData       byte = 0x19
	CmdSendLogin         byte = 0x1A
	CmdSendStatusReq     byte = 0x1B
	CmdGetChannel        byte = 0x1F
	CmdSetChannel        byte = 0x20
	CmdSendTracePath     byte = 0x24
	CmdSendTelemetryReq  byte = 0x27
	CmdSendBinaryReq     byte = 0x32
)

// Reply codes. Sent by the radio in response to a command, always as the
// first byte of a frame.
const (
	RespCodeOK             byte = 0x00
	RespCodeErr            byte = 0x01
	RespCodeContactsStart  byte = 0x02
	RespCodeContact        byte = 0x03
	RespCodeEndOfContacts  byte = 0x04
	RespCodeSelfInfo       byte = 0x05
	RespCodeSent           byte = 0x06
	RespCodeContactMsgRecv byte = 0x07
	RespCodeChannelMsgRecv byte = 0x08
	RespCodeCurrTime       byte = 0x09
	RespCodeNoMoreMessages byte = 0x0A
	RespCodeExportContact  byte = 0x0B
	RespCodeBatteryVoltage byte = 0x0C
	RespCodeDeviceInfo     byte = 0x0D
	RespCodePrivateKey     byte = 0x0E
	RespCodeDisabled       byte = 0x0F
	RespCodeChannelInfo    byte = 0x12
)

// Push codes. Unsolicited notifications, distinguished by the high bit.
const (
	PushCodeAdvert         byte = 0x80
	PushCodePathUpdated    byte = 0x81
	PushCodeSendConfirmed  byte = 0x82
	PushCodeMsgWaiting     byte = 0x83
	PushCodeRawData        byte = 0x84
	PushCodeLoginSuccess   byte = 0x85
	PushCodeLoginFail      byte = 0x86
	PushCodeStatusResponse byte = 0x87
	PushCodeLogRxData      byte = 0x88
	PushCodeTraceData      byte = 0x89
	PushCodeNewAdvert      byte = 0x8A
	PushCodeTelemetry      byte = 0x8B
	PushCodeBinaryResponse byte = 0x8C
)

// Text message types carried in SendTxtMsg and the message replies.
const (
	TxtTypePlain   byte = 0x00
	TxtTypeCommand byte = 0x01
	TxtTypeSigned  byte = 0x02
)

// Self advert flavours accepted by CmdSendSelfAdvert.
const (
	AdvertZeroHop byte = 0x00
	AdvertFlood   byte = 0x01
)

var kindNames = map[byte]string{
	RespCodeOK:             "ok",
	RespCodeErr:            "error",
	RespCodeContactsStart:  "contacts_start",
	RespCodeContact:        "contact",
	RespCodeEndOfContacts:  "end_of_contacts",
	RespCodeSelfInfo:       "self_info",
	RespCodeSent:           "msg_sent",
	RespCodeContactMsgRecv: "contact_msg_recv",
	RespCodeChannelMsgRecv: "channel_msg_recv",
	RespCodeCurrTime:       "current_time",
	RespCodeNoMoreMessages: "no_more_msgs",
	RespCodeExportContact:  "export_contact",
	RespCodeBatteryVoltage: "battery",
	RespCodeDeviceInfo:     "device_info",
	RespCodePrivateKey:     "private_key",
	RespCodeDisabled:       "disabled",
	RespCodeChannelInfo:    "channel_info",
	PushCodeAdvert:         "advertisement",
	PushCodePathUpdated:    "path_update",
	PushCodeSendConfirmed:  "ack",
	PushCodeMsgWaiting:     "messages_waiting",
	PushCodeRawData:        "raw_data",
	PushCodeLoginSuccess:   "login_success",
	PushCodeLoginFail:      "login_failed",
	PushCodeStatusResponse: "status_response",
	PushCodeLogRxData:      "log_rx_data",
	PushCodeTraceData:      "trace_data",
	PushCodeNewAdvert:      "new_advert",
	PushCodeTelemetry:      "telemetry_response",
	PushCodeBinaryResponse: "binary_response",
}

var commandNames = map[byte]string{
	CmdAppStart:          "app_start",
	CmdSendTxtMsg:        "send_txt_msg",
	CmdSendChannelTxtMsg: "send_channel_txt_msg",
	CmdGetContacts:       "get_contacts",
	CmdGetDeviceTime:     "get_device_time",
	CmdSetDeviceTime:     "set_device_time",
	CmdSendSelfAdvert:    "send_self_advert",
	CmdSetAdvertName:     "set_advert_name",
	CmdAddUpdateContact:  "add_update_contact",
	CmdSyncNextMessage:   "sync_next_message",
	CmdSetRadioParams:    "set_radio_params",
	CmdSetTxPower:        "set_tx_power",
	CmdResetPath:         "reset_path",
	CmdSetAdvertLatLon:   "set_advert_latlon",
	CmdRemoveContact:     "remove_contact",
	CmdShareContact:      "share_contact",
	CmdExportContact:     "export_contact",
	CmdImportContact:     "import_contact",
	CmdReboot:            "reboot",
	CmdGetBatteryVoltage: "get_battery_voltage",
	CmdSetTuningParams:   "set_tuning_params",
	CmdDeviceQuery:       "device_query",
	CmdSendRawData:       "send_raw_data",
	CmdSendLogin:         "send_login",
	CmdSendStatusReq:     "send_status_req",
	CmdGetChannel:        "get_channel",
	CmdSetChannel:        "set_channel",
	CmdSendTracePath:     "send_trace_path",
	CmdSendTelemetryReq:  "send_telemetry_req",
	CmdSendBinaryReq:     "send_binary_req",
}

// CommandName returns a short lowercase label for a command code,
// suitable for logging and metrics.
func CommandName(code byte) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", code)
}

// KindName returns a short lowercase label for a reply or push code,
// suitable for logging and metrics.
func KindName(code byte) string {
	if name, ok := kindNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", code)
}

// IsPush reports whether the code is an unsolicited push notification
// rather than a direct command reply.
func IsPush(code byte) bool {
	return code&0x80 != 0
}
