package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := Encrypt("sk-ant-secret", "hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !IsEncrypted(enc) {
		t.Fatalf("encrypted value missing prefix: %q", enc)
	}
	if strings.Contains(enc, "sk-ant-secret") {
		t.Fatal("plaintext leaked into encrypted form")
	}

	plain, err := Decrypt(enc, "hunter2")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-ant-secret" {
		t.Errorf("Decrypt = %q, want sk-ant-secret", plain)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	enc, err := Encrypt("value", "right")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(enc, "wrong")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("want ErrInvalidPassword, got %v", err)
	}
}

func TestDecryptPassthrough(t *testing.T) {
	plain, err := Decrypt("not-encrypted", "anything")
	if err != nil {
		t.Fatalf("Decrypt passthrough: %v", err)
	}
	if plain != "not-encrypted" {
		t.Errorf("passthrough mangled value: %q", plain)
	}
}

func TestDecryptMalformedPayload(t *testing.T) {
	cases := []string{
		Prefix + "!!!not-base64!!!",
		Prefix + "bm90IGpzb24=", // "not json"
	}
	for _, c := range cases {
		if _, err := Decrypt(c, "pw"); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Decrypt(%q): want ErrInvalidPayload, got %v", c, err)
		}
	}
}

func TestEncryptEmptyValue(t *testing.T) {
	enc, err := Encrypt("", "pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc != "" {
		t.Errorf("empty value should stay empty, got %q", enc)
	}
}

func TestEncryptUniqueSalts(t *testing.T) {
	a, err := Encrypt("same", "pw")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same value produced identical payloads")
	}
}
