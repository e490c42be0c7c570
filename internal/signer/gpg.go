package signer

import (
	"bytes"
	"crypto"
	"fmt"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// GPGSigner implements Signer interface using an OpenPGP private key
type GPGSigner struct {
	entity *openpgp.Entity
}

// NewGPGSigner creates a new GPG signer from a private key file
func NewGPGSigner(keyPath, passphrase string) (*GPGSigner, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("key path is empty")
	}

	entityList, err := readKeyFile(keyPath)
	if err != nil {
		return nil, err
	}

	entity := entityList[0]
	if entity.PrivateKey == nil {
		return nil, fmt.Errorf("%s does not contain a private key", keyPath)
	}

	// Decrypt private key if passphrase provided
	if passphrase != "" {
		if entity.PrivateKey.Encrypted {
			if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("failed to decrypt private key: %w", err)
			}
		}

		// Decrypt subkeys as well
		for _, subkey := range entity.Subkeys {
			if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
				if err := subkey.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
					return nil, fmt.Errorf("failed to decrypt subkey: %w", err)
				}
			}
		}
	} else if entity.PrivateKey.Encrypted {
		return nil, fmt.Errorf("private key in %s is encrypted but no passphrase was given", keyPath)
	}

	return NewGPGSignerFromEntity(entity), nil
}

// NewGPGSignerFromEntity wraps an already decrypted entity
func NewGPGSignerFromEntity(entity *openpgp.Entity) *GPGSigner {
	return &GPGSigner{entity: entity}
}

// SignDetached creates an armored detached signature
func (s *GPGSigner) SignDetached(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	err := openpgp.ArmoredDetachSign(&buf, s.entity, bytes.NewReader(data), &packet.Config{
		DefaultHash: crypto.SHA512,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detached signature: %w", err)
	}

	return buf.Bytes(), nil
}

// GetPublicKey returns the public key in armored format
func (s *GPGSigner) GetPublicKey() ([]byte, error) {
	var buf bytes.Buffer

	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}

	err = s.entity.Serialize(w)
	if err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// readKeyFile reads an armored or binary key ring
func readKeyFile(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}
	return readKeyRing(bytes.NewReader(data))
}

func readKeyRing(r io.ReadSeeker) (openpgp.EntityList, error) {
	// Try to parse as armored key first
	entityList, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		// Try as binary key
		if _, serr := r.Seek(0, io.SeekStart); serr != nil {
			return nil, serr
		}
		entityList, err = openpgp.ReadKeyRing(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}
	}

	if len(entityList) == 0 {
		return nil, fmt.Errorf("no keys found in key file")
	}
	return entityList, nil
}
