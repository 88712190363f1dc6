package signal

import (
	"os"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// BootstrapSettings configures peer discovery. Zero values fall back to
// the defaults in DefaultBootstrapSettings.
type BootstrapSettings struct {
	// Url is the external relay endpoint. Empty means start a local relay
	// on BindAddress.
	Url string
	// BindAddress is where the local relay listens when Url is empty.
	BindAddress string
	PeerId      string
	RoomId      string
	// RegisterTimeout bounds the registration round trip.
	RegisterTimeout time.Duration
	// Disabled suppresses bootstrap entirely.
	Disabled bool
}

func DefaultBootstrapSettings() *BootstrapSettings {
	return &BootstrapSettings{
		BindAddress:     "127.0.0.1:0",
		PeerId:          GeneratePeerId(),
		RoomId:          "default",
		RegisterTimeout: 5 * time.Second,
	}
}

// BootstrapSettingsFromEnv reads the recognized environment overrides on
// top of the defaults.
//
//	SIGNALING_URL          external relay endpoint, empty starts a local one
//	SIGNALING_BIND         bind address for the local relay
//	PEER_ID                override the generated peer id
//	ROOM_ID                room scope
//	SIGNALING_TIMEOUT_MS   registration timeout
//	SIGNALING_DISABLED=1   disable bootstrap
func BootstrapSettingsFromEnv() *BootstrapSettings {
	settings := DefaultBootstrapSettings()
	if url := os.Getenv("SIGNALING_URL"); url != "" {
		settings.Url = url
	}
	if bind := os.Getenv("SIGNALING_BIND"); bind != "" {
		settings.BindAddress = bind
	}
	if peerId := os.Getenv("PEER_ID"); peerId != "" {
		settings.PeerId = peerId
	}
	if roomId := os.Getenv("ROOM_ID"); roomId != "" {
		settings.RoomId = roomId
	}
	if timeoutMs := os.Getenv("SIGNALING_TIMEOUT_MS"); timeoutMs != "" {
		if parsed, err := strconv.Atoi(timeoutMs); err == nil && 0 < parsed {
			settings.RegisterTimeout = time.Duration(parsed) * time.Millisecond
		}
	}
	if os.Getenv("SIGNALING_DISABLED") == "1" {
		settings.Disabled = true
	}
	return settings
}

// GeneratePeerId returns a fresh sortable peer id.
func GeneratePeerId() string {
	return ulid.Make().String()
}
