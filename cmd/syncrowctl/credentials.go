package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/syncrow/syncrow"
)

// fileCredentialStore persists device credentials as base64-encoded
// fields in a TOML file, and logs external changes to the file (e.g. an
// operator rotating credentials out of band) via fsnotify.
type fileCredentialStore struct {
	path   string
	logger *log.Logger
}

type tomlCredentials struct {
	DeviceID    string `toml:"device_id"`
	SigningPub  string `toml:"signing_pub"`
	SigningPriv string `toml:"signing_priv"`
	CryptPub    string `toml:"crypt_pub"`
	CryptPriv   string `toml:"crypt_priv"`
}

func newFileCredentialStore(path string, logger *log.Logger) *fileCredentialStore {
	return &fileCredentialStore{path: path, logger: logger}
}

func (s *fileCredentialStore) Load() (syncrow.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return syncrow.Credentials{}, nil
	}
	if err != nil {
		return syncrow.Credentials{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	var tc tomlCredentials
	if _, err := toml.Decode(string(data), &tc); err != nil {
		return syncrow.Credentials{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if tc.DeviceID == "" {
		return syncrow.Credentials{}, nil
	}

	signingPub, err := base64.StdEncoding.DecodeString(tc.SigningPub)
	if err != nil {
		return syncrow.Credentials{}, fmt.Errorf("decode signing_pub: %w", err)
	}
	signingPriv, err := base64.StdEncoding.DecodeString(tc.SigningPriv)
	if err != nil {
		return syncrow.Credentials{}, fmt.Errorf("decode signing_priv: %w", err)
	}
	cryptPub, err := base64.StdEncoding.DecodeString(tc.CryptPub)
	if err != nil {
		return syncrow.Credentials{}, fmt.Errorf("decode crypt_pub: %w", err)
	}
	cryptPriv, err := base64.StdEncoding.DecodeString(tc.CryptPriv)
	if err != nil {
		return syncrow.Credentials{}, fmt.Errorf("decode crypt_priv: %w", err)
	}

	return syncrow.Credentials{
		DeviceID:    tc.DeviceID,
		SigningPub:  signingPub,
		SigningPriv: signingPriv,
		CryptPub:    cryptPub,
		CryptPriv:   cryptPriv,
	}, nil
}

func (s *fileCredentialStore) Save(creds syncrow.Credentials) error {
	tc := tomlCredentials{
		DeviceID:    creds.DeviceID,
		SigningPub:  base64.StdEncoding.EncodeToString(creds.SigningPub),
		SigningPriv: base64.StdEncoding.EncodeToString(creds.SigningPriv),
		CryptPub:    base64.StdEncoding.EncodeToString(creds.CryptPub),
		CryptPriv:   base64.StdEncoding.EncodeToString(creds.CryptPriv),
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(tc)
}

// watchForRotation logs whenever the credentials file changes on disk,
// so an operator manually rotating device keys sees confirmation in the
// log. It runs until stop is closed.
func (s *fileCredentialStore) watchForRotation(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Printf("credentials: watch disabled: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		// The file may not exist yet on first run; that's fine, there is
		// nothing to watch until Save creates it.
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
				s.logger.Printf("credentials: %s changed on disk", s.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("credentials: watch error: %v", err)
		case <-stop:
			return
		}
	}
}
