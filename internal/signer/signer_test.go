package signer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ralt/syzygia/internal/models"
)

func newTestSigner(t *testing.T) (*GPGSigner, *Keyring) {
	t.Helper()
	entity, err := openpgp.NewEntity("syzygia test", "", "test@example.com", nil)
	if err != nil {
		t.Fatalf("Failed to create entity: %v", err)
	}
	s := NewGPGSignerFromEntity(entity)

	pub, err := s.GetPublicKey()
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	kr, err := ParseKeyring(pub)
	if err != nil {
		t.Fatalf("ParseKeyring() error = %v", err)
	}
	return s, kr
}

func TestSignAndVerify(t *testing.T) {
	s, kr := newTestSigner(t)
	data := []byte("core.db contents")

	sig, err := s.SignDetached(data)
	if err != nil {
		t.Fatalf("SignDetached() error = %v", err)
	}

	if err := kr.VerifyDetached(data, sig); err != nil {
		t.Errorf("VerifyDetached() error = %v", err)
	}
	if err := kr.VerifyDetached([]byte("tampered"), sig); err == nil {
		t.Error("VerifyDetached() accepted a signature over different data")
	}
}

func TestVerifyWithUntrustedKey(t *testing.T) {
	s, _ := newTestSigner(t)
	_, other := newTestSigner(t)
	data := []byte("payload")

	sig, err := s.SignDetached(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.VerifyDetached(data, sig); err == nil {
		t.Error("signature from an unknown key was accepted")
	}
}

func TestLoadKeyringFromFile(t *testing.T) {
	s, _ := newTestSigner(t)
	pub, _ := s.GetPublicKey()

	path := filepath.Join(t.TempDir(), "pubring.asc")
	if err := os.WriteFile(path, pub, 0644); err != nil {
		t.Fatal(err)
	}

	kr, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring() error = %v", err)
	}
	if kr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", kr.Len())
	}

	if _, err := LoadKeyring(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("LoadKeyring() should fail for a missing file")
	}
}

func TestEnforce(t *testing.T) {
	s, kr := newTestSigner(t)
	data := []byte("db")
	good, _ := s.SignDetached(data)
	bad, _ := s.SignDetached([]byte("other"))

	tests := []struct {
		name    string
		level   models.SignatureLevel
		v       Verifier
		sig     []byte
		wantErr bool
	}{
		{"none ignores bad signature", models.SigNone, kr, bad, false},
		{"optional accepts missing", models.SigOptional, kr, nil, false},
		{"optional accepts valid", models.SigOptional, kr, good, false},
		{"optional rejects invalid", models.SigOptional, kr, bad, true},
		{"optional without keyring", models.SigOptional, nil, good, false},
		{"required rejects missing", models.SigRequired, kr, nil, true},
		{"required rejects invalid", models.SigRequired, kr, bad, true},
		{"required without keyring", models.SigRequired, nil, good, true},
		{"required accepts valid", models.SigRequired, kr, good, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Enforce(tt.level, tt.v, "core.db", data, tt.sig)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Enforce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ie *models.IntegrityError
				if !errors.As(err, &ie) || ie.Kind != models.IntegritySignature {
					t.Errorf("expected signature IntegrityError, got %v", err)
				}
			}
		})
	}
}
