package types

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
)

// ErrInvalidDigest is returned when a string does not parse as a canonical
// "sha256:<64 hex>" digest.
var ErrInvalidDigest = errors.New("types: invalid digest")

// Digest is an immutable content address. Its canonical form is always
// "sha256:<64 hex>"; the core only ever mints or verifies SHA-256 digests,
// but parsing defers to go-digest so foreign algorithms in a manifest are
// rejected with the same error path rather than a bespoke regex.
type Digest struct {
	inner digest.Digest
}

// ParseDigest parses and validates the canonical string form of a digest.
func ParseDigest(s string) (Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return Digest{}, errors.Join(ErrInvalidDigest, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return Digest{}, ErrInvalidDigest
	}
	return Digest{inner: d}, nil
}

// MustParseDigest parses s and panics on error; for use with literal
// constants in tests and fixtures.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewDigestFromHasher finalizes a running SHA-256 hash into a Digest.
func NewDigestFromHasher(h [sha256.Size]byte) Digest {
	return Digest{inner: digest.NewDigestFromBytes(digest.SHA256, h[:])}
}

// HashReader streams r, computing its canonical digest.
func HashReader(r io.Reader) (Digest, error) {
	d, err := digest.SHA256.FromReader(r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{inner: d}, nil
}

// String returns the canonical "sha256:<hex>" form.
func (d Digest) String() string {
	return d.inner.String()
}

// IsZero reports whether d is the zero value (no digest set).
func (d Digest) IsZero() bool {
	return d.inner == ""
}

// Hex returns the bare hex-encoded hash, without the algorithm prefix.
func (d Digest) Hex() string {
	return d.inner.Hex()
}

// Equal reports whether d and other identify the same content.
func (d Digest) Equal(other Digest) bool {
	return d.inner == other.inner
}

// MarshalText implements encoding.TextMarshaler so Digest serializes as its
// canonical string inside JSON-encoded RegistryAction payloads.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
