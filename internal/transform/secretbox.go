package transform

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/syncrow/syncrow/internal/model"
)

// SecretboxTransformer is the default ICloudTransformer: fields are
// canonically CBOR-encoded, then sealed with
// golang.org/x/crypto/nacl/secretbox under a per-account symmetric key
// resolved from a KeyProvider. secretbox's Poly1305 tag is the record's
// integrity tag; there is no separate MAC step.
type SecretboxTransformer struct {
	Keys KeyProvider
}

// NewSecretboxTransformer builds a transformer keyed by keys.
func NewSecretboxTransformer(keys KeyProvider) *SecretboxTransformer {
	return &SecretboxTransformer{Keys: keys}
}

// TransformUpload encodes and seals data's fields. A tombstone (data.Fields
// == nil) produces a CloudData tombstone with no ciphertext and no tag.
func (t *SecretboxTransformer) TransformUpload(ctx context.Context, data model.LocalData) (model.CloudData, error) {
	if data.IsTombstone() {
		version, err := t.Keys.CurrentVersion(ctx)
		if err != nil {
			return model.CloudData{}, fmt.Errorf("transform: current key version: %w", err)
		}
		return model.CloudData{Key: data.Key, Modified: data.Modified, KeyVersion: version}, nil
	}

	version, err := t.Keys.CurrentVersion(ctx)
	if err != nil {
		return model.CloudData{}, fmt.Errorf("transform: current key version: %w", err)
	}
	key, err := t.Keys.Key(ctx, version)
	if err != nil {
		return model.CloudData{}, fmt.Errorf("transform: resolve key v%d: %w", version, err)
	}

	plaintext, err := model.CanonicalMarshal(data.Fields)
	if err != nil {
		return model.CloudData{}, fmt.Errorf("transform: encode fields: %w", err)
	}

	nonce := deriveNonce(data.Key, data.Modified, version)
	sealed := secretbox.Seal(nil, plaintext, &nonce, &key)

	// secretbox appends its 16-byte Poly1305 tag to the ciphertext; split
	// it back out so CloudData.Tag carries exactly the integrity tag and
	// Ciphertext carries only the encrypted payload, per the wire schema.
	if len(sealed) < secretbox.Overhead {
		return model.CloudData{}, fmt.Errorf("transform: sealed output shorter than overhead")
	}
	tagStart := len(sealed) - secretbox.Overhead
	return model.CloudData{
		Key:        data.Key,
		Modified:   data.Modified,
		KeyVersion: version,
		Ciphertext: sealed[:tagStart],
		Tag:        sealed[tagStart:],
	}, nil
}

// TransformDownload verifies data's tag and decodes its fields. Returns
// ErrIntegrity, never a generic error, on a failed check.
func (t *SecretboxTransformer) TransformDownload(ctx context.Context, data model.CloudData) (model.LocalData, error) {
	if data.IsTombstone() {
		return model.LocalData{Key: data.Key, Modified: data.Modified, Fields: nil}, nil
	}

	key, err := t.Keys.Key(ctx, data.KeyVersion)
	if err != nil {
		return model.LocalData{}, fmt.Errorf("transform: resolve key v%d: %w", data.KeyVersion, err)
	}

	nonce := deriveNonce(data.Key, data.Modified, data.KeyVersion)
	sealed := append(append([]byte(nil), data.Ciphertext...), data.Tag...)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return model.LocalData{}, ErrIntegrity
	}

	var fields map[string]any
	if err := cbor.Unmarshal(plaintext, &fields); err != nil {
		return model.LocalData{}, fmt.Errorf("%w: decode fields: %v", ErrIntegrity, err)
	}
	return model.LocalData{Key: data.Key, Modified: data.Modified, Fields: fields}, nil
}

// deriveNonce computes a 24-byte secretbox nonce deterministically from
// the record identity, so re-sealing the same logical write reproduces
// the same ciphertext and no nonce is ever reused across distinct
// payloads (distinct payloads always differ in at least Modified).
func deriveNonce(key model.ObjectKey, modified time.Time, version uint32) [24]byte {
	h := blake3.New()
	h.Write([]byte(key.Table))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	h.Write([]byte{0})
	var ms [8]byte
	binary.LittleEndian.PutUint64(ms[:], uint64(modified.UnixMilli()))
	h.Write(ms[:])
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], version)
	h.Write(v[:])

	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}
