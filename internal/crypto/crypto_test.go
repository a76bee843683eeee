package crypto_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaintrail/chaintrail/internal/crypto"
)

func testCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	c, err := crypto.NewCodec(bytes.Repeat([]byte{0x42}, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewCodec_rejectsBadKeyLength(t *testing.T) {
	if _, err := crypto.NewCodec([]byte("short")); err == nil {
		t.Error("expected error for 5-byte key")
	}
}

func TestEncryptDecrypt_roundTrip(t *testing.T) {
	c := testCodec(t)
	plaintext := []byte(`{"level":"AUDIT","message":"user login"}`)

	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip: got %q, want %q", opened, plaintext)
	}
}

func TestEncrypt_freshNoncePerCall(t *testing.T) {
	c := testCodec(t)
	a, _ := c.Encrypt([]byte("same payload"))
	b, _ := c.Encrypt([]byte("same payload"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same payload are identical; nonce reuse")
	}
}

func TestDecrypt_rejectsTamperedCiphertext(t *testing.T) {
	c := testCodec(t)
	sealed, err := c.Encrypt([]byte("audit payload"))
	if err != nil {
		t.Fatal(err)
	}

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		if _, err := c.Decrypt(tampered); !errors.Is(err, crypto.ErrDecrypt) {
			t.Fatalf("byte %d: expected ErrDecrypt, got %v", i, err)
		}
	}
}

func TestDecrypt_rejectsTruncated(t *testing.T) {
	c := testCodec(t)
	if _, err := c.Decrypt([]byte{0x01, 0x02}); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("expected ErrDecrypt, got %v", err)
	}
}

func TestDecrypt_rejectsWrongKey(t *testing.T) {
	c := testCodec(t)
	other, err := crypto.NewCodec(bytes.Repeat([]byte{0x43}, crypto.KeySize))
	if err != nil {
		t.Fatal(err)
	}

	sealed, _ := c.Encrypt([]byte("secret"))
	if _, err := other.Decrypt(sealed); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("expected ErrDecrypt under wrong key, got %v", err)
	}
}

func TestDeriveKey_deterministic(t *testing.T) {
	a := crypto.DeriveKey("correct horse battery staple", []byte("salt-1"))
	b := crypto.DeriveKey("correct horse battery staple", []byte("salt-1"))
	if len(a) != crypto.KeySize {
		t.Fatalf("derived key length %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Error("same passphrase and salt derived different keys")
	}
	if bytes.Equal(a, crypto.DeriveKey("correct horse battery staple", []byte("salt-2"))) {
		t.Error("different salts derived the same key")
	}
}
