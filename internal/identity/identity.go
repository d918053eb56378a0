// Package identity provides the per-process runtime identity that namespaces
// session state. A new identity is minted on every start and never persisted,
// so cookies issued by a previous process become inert after a restart.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the number of random bytes in an identity.
const Size = 16

// Identity is an immutable random token created once per process.
type Identity struct {
	raw [Size]byte
	hex string
}

// New reads a fresh identity from crypto/rand.
func New() (*Identity, error) {
	var raw [Size]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("failed to generate runtime identity: %w", err)
	}
	return &Identity{raw: raw, hex: hex.EncodeToString(raw[:])}, nil
}

// MustNew is New for process bootstrap where failure is fatal.
func MustNew() *Identity {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// FromBytes builds an identity from known bytes. Tests use it to pin runtimes.
func FromBytes(b []byte) (*Identity, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("runtime identity must be %d bytes, got %d", Size, len(b))
	}
	var raw [Size]byte
	copy(raw[:], b)
	return &Identity{raw: raw, hex: hex.EncodeToString(raw[:])}, nil
}

// Hex returns the lowercase hex form used in cookie names and derived tokens.
func (i *Identity) Hex() string {
	return i.hex
}

// Bytes returns a copy of the raw token.
func (i *Identity) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, i.raw[:])
	return out
}

// Short returns the first eight hex characters, for log fields.
func (i *Identity) Short() string {
	return i.hex[:8]
}

func (i *Identity) String() string {
	return i.hex
}

// Equal reports whether two identities carry the same token.
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.raw == other.raw
}
