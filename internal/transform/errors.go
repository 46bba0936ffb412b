package transform

import "errors"

// ErrIntegrity is returned by TransformDownload when a CloudData's tag
// does not authenticate its (Key, Modified, Ciphertext). The caller must
// mark the record's shadow row Corrupted and continue with the rest of
// its batch.
var ErrIntegrity = errors.New("transform: integrity check failed")

// ErrNoKey is returned by a KeyProvider when no key material exists for
// the requested version.
var ErrNoKey = errors.New("transform: no key material for requested version")
