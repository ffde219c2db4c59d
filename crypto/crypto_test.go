package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("NewAESEncryptor() expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAESEncryptor() unexpected error = %v", err)
			}
			if enc == nil {
				t.Error("NewAESEncryptor() returned nil encryptor")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	plaintexts := []string{
		"hello",
		"ya29.a0AfH6SMBx...",
		strings.Repeat("a", 1000),
		"!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/~`",
	}
	for _, plaintext := range plaintexts {
		ciphertext, err := enc.Encrypt([]byte(plaintext))
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if bytes.Equal(ciphertext, []byte(plaintext)) {
			t.Errorf("Encrypt(%q) returned plaintext unchanged", plaintext)
		}
		decrypted, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(decrypted) != plaintext {
			t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncryptNonceRandomness(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte("test plaintext")

	c1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("Encrypt() produced identical ciphertexts for the same plaintext")
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name       string
		ciphertext []byte
		errorMsg   string
	}{
		{"empty", []byte{}, "ciphertext is empty"},
		{"shorter than nonce", []byte{1, 2, 3}, "ciphertext too short"},
		{"unauthenticated bytes", make([]byte, 50), "authentication or integrity check failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.ciphertext)
			if err == nil {
				t.Fatal("Decrypt() expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Decrypt() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)

	ciphertext, err := enc.Encrypt([]byte("sensitive data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext[20] ^= 0x01

	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() should fail for tampered ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc1 := newTestEncryptor(t)
	enc2 := newTestEncryptor(t)

	ciphertext, err := enc1.Encrypt([]byte("secret message"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with a different key should fail")
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	enc := newTestEncryptor(t)
	if _, err := enc.Encrypt(nil); err == nil {
		t.Error("Encrypt() with empty plaintext should return error")
	}
}

func TestStringHelpers(t *testing.T) {
	enc := newTestEncryptor(t)

	t.Run("empty passthrough", func(t *testing.T) {
		got, err := EncryptString(enc, "")
		if err != nil || got != "" {
			t.Errorf("EncryptString(\"\") = (%q, %v), want empty", got, err)
		}
		got, err = DecryptString(enc, "")
		if err != nil || got != "" {
			t.Errorf("DecryptString(\"\") = (%q, %v), want empty", got, err)
		}
	})

	t.Run("roundtrip", func(t *testing.T) {
		plaintext := "test-access-token-12345"
		encrypted, err := EncryptString(enc, plaintext)
		if err != nil {
			t.Fatalf("EncryptString() error = %v", err)
		}
		if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
			t.Errorf("EncryptString() result is not valid base64: %v", err)
		}
		decrypted, err := DecryptString(enc, encrypted)
		if err != nil {
			t.Fatalf("DecryptString() error = %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("DecryptString() = %q, want %q", decrypted, plaintext)
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := DecryptString(enc, "not-valid-base64!@#"); err == nil {
			t.Error("DecryptString() with invalid base64 should return error")
		}
	})
}
