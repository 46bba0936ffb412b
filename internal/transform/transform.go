// Package transform converts between clear-text local records and the
// opaque, integrity-protected records exchanged with the cloud.
package transform

import (
	"context"

	"github.com/syncrow/syncrow/internal/model"
)

// ICloudTransformer converts LocalData to CloudData for upload and back
// for download. Implementations must be deterministic in one direction —
// TransformUpload applied twice to the same LocalData at the same
// KeyVersion must not, on its own, cause a spurious re-upload — and must
// reject a CloudData whose integrity tag does not authenticate
// (Key, Modified, Ciphertext) with ErrIntegrity, never a generic error.
type ICloudTransformer interface {
	TransformUpload(ctx context.Context, data model.LocalData) (model.CloudData, error)
	TransformDownload(ctx context.Context, data model.CloudData) (model.LocalData, error)
}

// KeyProvider resolves the symmetric key material for a given key
// version. Implementations should treat version 0 as "no key material
// provisioned yet" and return ErrNoKey.
type KeyProvider interface {
	Key(ctx context.Context, version uint32) ([32]byte, error)
	// CurrentVersion returns the key version new uploads should be
	// encrypted under.
	CurrentVersion(ctx context.Context) (uint32, error)
}
