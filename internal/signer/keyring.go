package signer

import (
	"bytes"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
)

var armorPrefix = []byte("-----BEGIN PGP")

// Keyring verifies detached signatures against a set of trusted public keys
type Keyring struct {
	entities openpgp.EntityList
}

// LoadKeyring reads trusted keys from an armored or binary key file
func LoadKeyring(path string) (*Keyring, error) {
	entities, err := readKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading keyring %s: %w", path, err)
	}
	return NewKeyring(entities), nil
}

// ParseKeyring reads trusted keys from memory
func ParseKeyring(data []byte) (*Keyring, error) {
	entities, err := readKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return NewKeyring(entities), nil
}

// NewKeyring wraps entities as a keyring
func NewKeyring(entities openpgp.EntityList) *Keyring {
	return &Keyring{entities: entities}
}

// Len returns the number of trusted keys
func (k *Keyring) Len() int {
	return len(k.entities)
}

// VerifyDetached accepts armored and binary signatures
func (k *Keyring) VerifyDetached(data, signature []byte) error {
	var err error
	if bytes.HasPrefix(bytes.TrimSpace(signature), armorPrefix) {
		_, err = openpgp.CheckArmoredDetachedSignature(k.entities, bytes.NewReader(data), bytes.NewReader(signature), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(k.entities, bytes.NewReader(data), bytes.NewReader(signature), nil)
	}
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
