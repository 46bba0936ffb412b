// Package model defines the wire- and storage-independent record types
// shared by the watcher, transformer, connector, and engine packages:
// ObjectKey, LocalData, and CloudData, per the data model.
package model

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// ObjectKey uniquely identifies one logical record across every device
// sharing an account. Table carries the user table's name as passed to
// AddTable, without the watcher's shadow-table prefix; ID is the primary
// key rendered as text.
type ObjectKey struct {
	Table string
	ID    string
}

func (k ObjectKey) String() string {
	return k.Table + "/" + k.ID
}

// IsZero reports whether the key was never assigned.
func (k ObjectKey) IsZero() bool {
	return k.Table == "" && k.ID == ""
}

// LocalData is one record in clear-text form, as read from or written to a
// user table. Fields == nil encodes a tombstone (deletion). Modified is
// UTC, millisecond precision.
type LocalData struct {
	Key      ObjectKey
	Modified time.Time
	Fields   map[string]any
}

// IsTombstone reports whether this record represents a deletion.
func (d LocalData) IsTombstone() bool {
	return d.Fields == nil
}

// CloudData is a LocalData whose Fields have been passed through the
// cloud transformer: Ciphertext is opaque, and Tag authenticates
// (Key, Modified, Ciphertext). Ciphertext == nil encodes a tombstone.
type CloudData struct {
	Key        ObjectKey
	Modified   time.Time
	KeyVersion uint32
	Ciphertext []byte
	Tag        []byte
}

// IsTombstone reports whether this record represents a deletion.
func (d CloudData) IsTombstone() bool {
	return d.Ciphertext == nil
}

var canonicalMode = mustCanonicalMode()

func mustCanonicalMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	// RFC 3339 with fractional seconds keeps Modified's milliseconds; the
	// default Unix-seconds encoding would drop them on the wire.
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("model: invalid canonical cbor options: %v", err))
	}
	return mode
}

// CanonicalMarshal encodes v using CBOR's core deterministic encoding:
// map keys sorted, no indefinite-length items, shortest-form integers.
// This is the "stable field ordering" canonicalization the cloud
// transformer applies before encryption, and the encoding content
// digests are computed over.
func CanonicalMarshal(v any) ([]byte, error) {
	return canonicalMode.Marshal(v)
}

// digestRecord is the deterministic structure hashed for content
// addressing; it is never persisted or sent over the wire directly.
type digestRecord struct {
	Table      string
	ID         string
	ModifiedMS int64
	Tombstone  bool
	Fields     map[string]any `cbor:",omitempty"`
}

// Digest returns the BLAKE3-256 content digest of the record: a
// deterministic function of (key, modified, fields-or-tombstone-marker).
// It is used by the watcher to skip re-marking byte-identical writes as
// Changed, and as the EventLog dedup key.
func (d LocalData) Digest() ([32]byte, error) {
	enc, err := CanonicalMarshal(digestRecord{
		Table:      d.Key.Table,
		ID:         d.Key.ID,
		ModifiedMS: d.Modified.UTC().UnixMilli(),
		Tombstone:  d.IsTombstone(),
		Fields:     d.Fields,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("model: encode digest payload for %s: %w", d.Key, err)
	}
	return blake3.Sum256(enc), nil
}
