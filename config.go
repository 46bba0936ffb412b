package syncrow

import (
	"log"
	"os"
	"time"

	"github.com/syncrow/syncrow/internal/auth"
	"github.com/syncrow/syncrow/internal/transform"
)

// Credentials is the persisted device registration state a CredentialStore
// loads and saves across restarts.
type Credentials struct {
	DeviceID    string
	SigningPub  []byte
	SigningPriv []byte
	CryptPub    []byte
	CryptPriv   []byte
}

// CredentialStore persists device credentials between process restarts.
// A fresh device with no stored credentials should return
// (Credentials{}, nil) from Load, which Setup treats as "register anew."
type CredentialStore interface {
	Load() (Credentials, error)
	Save(Credentials) error
}

// Config configures a Setup. DriverName, DSN, URL, AccessKey, KeyProvider,
// and either Authenticator or CredentialExchange are required; the
// remaining fields have workable defaults.
type Config struct {
	// DriverName and DSN open the local database via database/sql, e.g.
	// "sqlite3" and "file:app.db".
	DriverName string
	DSN        string

	// URL is the cloud endpoint's websocket URL (ws:// or wss://).
	URL string
	// AccessKey is sent as the websocket subprotocol, identifying the
	// account/application to the cloud endpoint.
	AccessKey string
	// DeviceName is a human-readable label sent during registration.
	DeviceName string

	// KeyProvider resolves the versioned symmetric key used to encrypt
	// and decrypt record payloads. Required.
	KeyProvider transform.KeyProvider
	// Authenticator produces bearer sessions and reacts to account
	// deletion. If nil, Setup builds a JWTAuthenticator from
	// SigningSecret and CredentialExchange.
	Authenticator auth.Authenticator
	// SigningSecret and CredentialExchange configure the default
	// JWTAuthenticator when Authenticator is nil.
	SigningSecret     []byte
	CredentialExchange auth.CredentialExchange

	// CredentialStore persists device registration material across
	// restarts. If nil, the device registers fresh on every Setup.
	CredentialStore CredentialStore

	// Logger receives diagnostic output. Defaults to a stderr logger
	// prefixed "[syncrow] ".
	Logger *log.Logger

	// RequestTimeout bounds each database/connector round trip. Defaults
	// to 30s.
	RequestTimeout time.Duration
	// KeepaliveEvery and MissedKeepalive configure the connector's
	// application-level ping. Default to 20s and 2.
	KeepaliveEvery  time.Duration
	MissedKeepalive int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[syncrow] ", log.LstdFlags)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.KeepaliveEvery <= 0 {
		c.KeepaliveEvery = 20 * time.Second
	}
	if c.MissedKeepalive <= 0 {
		c.MissedKeepalive = 2
	}
}
