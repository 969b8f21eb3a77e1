// Package bot provides the chat backends the connection manager drives.
//
// Each backend implements connection.Dialer and connection.Socket on top of
// a platform library: WhatsApp through whatsmeow, Discord through discordgo
// and Telegram through the Bot API. A socket translates its library's
// native events into connection.Event values and maps native close reasons
// onto connection.StatusCode, so the manager can decide whether to retry.
//
// # Supported Platforms
//
//   - WhatsApp: multi-device websocket, paired by QR code, credentials in sqlite
//   - Discord: gateway websocket with a bot token
//   - Telegram: long polling with a bot token
//
// # Lifecycle
//
// Sockets are single use. Dial builds an unopened socket; Open starts the
// handshake and reports completion with connection.EventOpen; Close tears
// the session down for good. Library auto-reconnect is switched off: the
// manager dials a fresh socket instead.
//
// # Thread Safety
//
// Sockets are safe for concurrent use. Listener callbacks are issued from
// the library's event goroutine, in the order the library delivers them.
package bot

import (
	"fmt"
	"strings"
)

// Platform names reported by Socket.Platform.
const (
	PlatformWhatsApp = "whatsapp"
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

// Platforms lists the supported backends.
func Platforms() []string {
	return []string{PlatformWhatsApp, PlatformDiscord, PlatformTelegram}
}

// ValidatePlatform normalises name and rejects unknown backends.
func ValidatePlatform(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range Platforms() {
		if p == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unsupported backend %q (supported: %s)", name, strings.Join(Platforms(), ", "))
}
