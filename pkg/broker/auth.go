package broker

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/LitBomb/meshcore-ha/pkg/auth"
	"github.com/LitBomb/meshcore-ha/pkg/config"
)

// credentialHookOptions contains configuration for the credential hook.
type credentialHookOptions struct {
	Settings config.BrokerSettings
}

// credentialHook gates broker access on either anonymous mode or the
// single configured credential pair.
type credentialHook struct {
	mqtt.HookBase
	config *credentialHookOptions
}

// ID returns the unique identifier for this hook.
func (h *credentialHook) ID() string {
	return "credential-hook"
}

// Provides indicates which MQTT events this hook handles.
func (h *credentialHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init initializes the hook with the provided configuration.
func (h *credentialHook) Init(config any) error {
	if _, ok := config.(*credentialHookOptions); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}
	h.config = config.(*credentialHookOptions)

	if h.config.Settings.AllowAnonymous {
		h.Log.Info("broker allows anonymous clients")
	}
	return nil
}

// OnConnectAuthenticate checks the client's credentials.
func (h *credentialHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	s := h.config.Settings
	if s.AllowAnonymous {
		return true
	}
	if string(pk.Connect.Username) != s.Username {
		return false
	}
	return auth.HashPasswordWithSalt(string(pk.Connect.Password), s.PasswordSalt) == s.PasswordHash
}

// OnACLCheck grants authenticated clients full topic access.
func (h *credentialHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return true
}
