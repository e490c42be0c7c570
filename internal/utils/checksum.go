package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/ralt/syzygia/internal/models"
	"github.com/zeebo/blake3"
)

// NewHash returns a hash for the given algorithm
func NewHash(alg models.HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case models.HashMD5:
		return md5.New(), nil
	case models.HashSHA256:
		return sha256.New(), nil
	case models.HashSHA512:
		return sha512.New(), nil
	case models.HashBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
}

// CalculateDigest computes an algorithm-tagged digest of data
func CalculateDigest(data []byte, alg models.HashAlgorithm) (models.Digest, error) {
	h, err := NewHash(alg)
	if err != nil {
		return models.Digest{}, err
	}
	h.Write(data)
	return models.Digest{Algorithm: alg, Value: hex.EncodeToString(h.Sum(nil))}, nil
}

// FileDigest streams path through the digest algorithm
func FileDigest(path string, alg models.HashAlgorithm) (models.Digest, error) {
	h, err := NewHash(alg)
	if err != nil {
		return models.Digest{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return models.Digest{}, err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return models.Digest{}, err
	}
	return models.Digest{Algorithm: alg, Value: hex.EncodeToString(h.Sum(nil))}, nil
}

// DigestWriter hashes everything written through it
type DigestWriter struct {
	alg models.HashAlgorithm
	h   hash.Hash
	n   int64
}

// NewDigestWriter returns a writer hashing with alg
func NewDigestWriter(alg models.HashAlgorithm) (*DigestWriter, error) {
	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	return &DigestWriter{alg: alg, h: h}, nil
}

func (w *DigestWriter) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Digest returns the digest of everything written so far
func (w *DigestWriter) Digest() models.Digest {
	return models.Digest{Algorithm: w.alg, Value: hex.EncodeToString(w.h.Sum(nil))}
}

// Written returns the number of bytes hashed
func (w *DigestWriter) Written() int64 {
	return w.n
}
