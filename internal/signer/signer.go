package signer

import (
	"errors"
	"fmt"

	"github.com/ralt/syzygia/internal/models"
	"github.com/sirupsen/logrus"
)

// Signer interface for signing repository metadata
type Signer interface {
	// SignDetached creates a detached signature (for <repo>.db.sig and package .sig files)
	SignDetached(data []byte) ([]byte, error)

	// GetPublicKey returns the public key
	GetPublicKey() ([]byte, error)
}

// Verifier checks detached signatures
type Verifier interface {
	// VerifyDetached returns nil when signature is a valid signature of data
	// by a trusted key
	VerifyDetached(data, signature []byte) error
}

// ErrMissingSignature is wrapped in the IntegrityError returned when a
// signature is required but none was provided.
var ErrMissingSignature = errors.New("signature is missing")

// Enforce applies a repository signature level to data:
//
//	None      nothing is checked
//	Optional  a missing signature (or keyring) is logged and accepted, a bad one is rejected
//	Required  the signature must be present and valid
//
// Failures are returned as *models.IntegrityError.
func Enforce(level models.SignatureLevel, v Verifier, path string, data, signature []byte) error {
	if level == models.SigNone {
		return nil
	}

	if len(signature) == 0 {
		if level == models.SigRequired {
			return &models.IntegrityError{Path: path, Kind: models.IntegritySignature, Err: ErrMissingSignature}
		}
		logrus.Warnf("%s is not signed, accepting it (signature level %s)", path, level)
		return nil
	}

	if v == nil {
		if level == models.SigRequired {
			return &models.IntegrityError{Path: path, Kind: models.IntegritySignature, Err: fmt.Errorf("no keyring configured")}
		}
		logrus.Warnf("No keyring configured, cannot verify %s", path)
		return nil
	}

	if err := v.VerifyDetached(data, signature); err != nil {
		return &models.IntegrityError{Path: path, Kind: models.IntegritySignature, Err: err}
	}
	logrus.Debugf("Verified signature of %s", path)
	return nil
}
