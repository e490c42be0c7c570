package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HashAlgorithm names a supported checksum algorithm
type HashAlgorithm string

const (
	HashMD5    HashAlgorithm = "md5"
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
	HashBLAKE3 HashAlgorithm = "blake3"
)

var digestLengths = map[HashAlgorithm]int{
	HashMD5:    16,
	HashSHA256: 32,
	HashSHA512: 64,
	HashBLAKE3: 32,
}

// Digest is an algorithm-tagged checksum, written as "sha256:<hex>"
type Digest struct {
	Algorithm HashAlgorithm
	Value     string
}

// ParseDigest parses "algorithm:hex"
func ParseDigest(s string) (Digest, error) {
	alg, value, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q is missing an algorithm tag", s)
	}
	d := Digest{Algorithm: HashAlgorithm(strings.ToLower(alg)), Value: strings.ToLower(value)}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Validate checks the algorithm is supported and the value is well formed
func (d Digest) Validate() error {
	size, ok := digestLengths[d.Algorithm]
	if !ok {
		return fmt.Errorf("unsupported hash algorithm %q", d.Algorithm)
	}
	raw, err := hex.DecodeString(d.Value)
	if err != nil {
		return fmt.Errorf("%s digest is not hex: %w", d.Algorithm, err)
	}
	if len(raw) != size {
		return fmt.Errorf("%s digest has %d bytes, want %d", d.Algorithm, len(raw), size)
	}
	return nil
}

// IsZero reports whether no digest is set
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Value == ""
}

// Equal compares two digests, ignoring hex case
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && strings.EqualFold(d.Value, other.Value)
}

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Value
}
