package models

import "time"

// Message direction values.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// MeshMessage represents a text message logged by the bridge. Direct
// messages carry the remote contact's pubkey prefix; channel messages
// carry the channel slot index instead.
type MeshMessage struct {
	ID              int64      `db:"id" json:"id"`
	Direction       string     `db:"direction" json:"direction"`
	PubkeyPrefix    *string    `db:"pubkey_prefix" json:"pubkey_prefix,omitempty"`
	ChannelIdx      *int       `db:"channel_idx" json:"channel_idx,omitempty"`
	Text            string     `db:"text" json:"text"`
	TxtType         int        `db:"txt_type" json:"txt_type"`
	PathLen         int        `db:"path_len" json:"path_len"`
	SenderTimestamp *time.Time `db:"sender_timestamp" json:"sender_timestamp,omitempty"`
	ReceivedAt      time.Time  `db:"received_at" json:"received_at"`
}

// IsChannel returns true if the message arrived on a shared channel
// rather than as a direct message.
func (m *MeshMessage) IsChannel() bool {
	return m.ChannelIdx != nil
}
