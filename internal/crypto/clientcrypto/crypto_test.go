package clientcrypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/and161185/harvester/internal/errs"
)

func mustKeys(t *testing.T, seed byte) *FieldKeys {
	t.Helper()
	k, err := DeriveFieldKeys(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("DeriveFieldKeys: %v", err)
	}
	return k
}

func TestDeriveFieldKeys_EmptyMaster(t *testing.T) {
	t.Parallel()
	if _, err := DeriveFieldKeys(nil); !errors.Is(err, errs.ErrNoEncryptionKey) {
		t.Fatalf("want ErrNoEncryptionKey, got %v", err)
	}
}

func TestDeriveFieldKeys_SubkeysDiffer(t *testing.T) {
	t.Parallel()
	k := mustKeys(t, 1)
	if bytes.Equal(k.enc, k.index) || bytes.Equal(k.enc, k.nonce) || bytes.Equal(k.nonce, k.index) {
		t.Fatalf("subkeys must be distinct")
	}
}

func TestEncryptDecryptField_Roundtrip(t *testing.T) {
	t.Parallel()
	k := mustKeys(t, 1)
	for _, pt := range []string{"hello", "Привет, мир", "a", strings.Repeat("x", 4096)} {
		ct, err := EncryptField(k, pt)
		if err != nil {
			t.Fatalf("EncryptField: %v", err)
		}
		if !IsCiphertext(ct) {
			t.Fatalf("missing prefix: %q", ct)
		}
		if strings.Contains(ct, pt) {
			t.Fatalf("ciphertext leaks plaintext")
		}
		got, err := DecryptField(k, ct)
		if err != nil {
			t.Fatalf("DecryptField: %v", err)
		}
		if got != pt {
			t.Fatalf("roundtrip: got %q want %q", got, pt)
		}
	}
}

func TestEncryptField_Deterministic(t *testing.T) {
	t.Parallel()
	k := mustKeys(t, 1)
	a, _ := EncryptField(k, "same")
	b, _ := EncryptField(k, "same")
	c, _ := EncryptField(k, "other")
	if a != b {
		t.Fatalf("same plaintext must encrypt identically")
	}
	if a == c {
		t.Fatalf("different plaintext must differ")
	}
}

func TestDecryptField_WrongKeyAndTamper(t *testing.T) {
	t.Parallel()
	k1 := mustKeys(t, 1)
	k2 := mustKeys(t, 2)
	ct, _ := EncryptField(k1, "secret")

	if _, err := DecryptField(k2, ct); !errors.Is(err, errs.ErrBadCiphertext) {
		t.Fatalf("wrong key: want ErrBadCiphertext, got %v", err)
	}
	if _, err := DecryptField(k1, "secret"); !errors.Is(err, errs.ErrBadCiphertext) {
		t.Fatalf("plaintext input: want ErrBadCiphertext, got %v", err)
	}
	if _, err := DecryptField(k1, FieldPrefix+"AAAA"); !errors.Is(err, errs.ErrBadCiphertext) {
		t.Fatalf("short blob: want ErrBadCiphertext, got %v", err)
	}
	tampered := ct[:len(ct)-4] + "AAAA"
	if tampered != ct {
		if _, err := DecryptField(k1, tampered); err == nil {
			t.Fatalf("tampered ciphertext must fail")
		}
	}
}

func TestNilKeysFailClosed(t *testing.T) {
	t.Parallel()
	if _, err := EncryptField(nil, "x"); !errors.Is(err, errs.ErrNoEncryptionKey) {
		t.Fatalf("EncryptField nil keys: %v", err)
	}
	if _, err := DecryptField(nil, FieldPrefix+"x"); !errors.Is(err, errs.ErrNoEncryptionKey) {
		t.Fatalf("DecryptField nil keys: %v", err)
	}
	if _, err := BlindIndex(nil, "x"); !errors.Is(err, errs.ErrNoEncryptionKey) {
		t.Fatalf("BlindIndex nil keys: %v", err)
	}
}

func TestBlindIndex_DeterministicAndKeyDependent(t *testing.T) {
	t.Parallel()
	k1 := mustKeys(t, 1)
	k2 := mustKeys(t, 2)
	a, _ := BlindIndex(k1, "+15551234567")
	b, _ := BlindIndex(k1, "+15551234567")
	c, _ := BlindIndex(k2, "+15551234567")
	if a != b {
		t.Fatalf("index must be deterministic")
	}
	if a == c {
		t.Fatalf("index must depend on key")
	}
	if len(a) != 64 {
		t.Fatalf("hex sha256 length = %d", len(a))
	}
}
