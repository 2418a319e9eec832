package messenger

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("user-1")

	for _, plaintext := range []string{
		"hello",
		"multi\nline\nmessage",
		"emoji 🎉 and unicode ünïcödé",
		strings.Repeat("long ", 500),
	} {
		ciphertext, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(ciphertext, "ENC:") {
			t.Errorf("ciphertext missing prefix: %q", ciphertext)
		}
		got, err := Decrypt(ciphertext, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptDeterministic(t *testing.T) {
	key := DeriveKey("user-1")

	a, err := Encrypt("same message", key)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encrypt("same message", key)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same plaintext produced different ciphertexts:\n%s\n%s", a, b)
	}

	c, err := Encrypt("different message", key)
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("different plaintexts produced the same ciphertext")
	}
}

func TestEncryptPassThrough(t *testing.T) {
	key := DeriveKey("user-1")

	// Empty input stays empty.
	if got, err := Encrypt("", key); err != nil || got != "" {
		t.Errorf("Encrypt(empty) = %q, %v", got, err)
	}

	// Already encrypted content is never wrapped a second time.
	once, err := Encrypt("hello", key)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := Encrypt(once, key)
	if err != nil {
		t.Fatal(err)
	}
	if twice != once {
		t.Errorf("double encrypt changed the wire string:\n%s\n%s", once, twice)
	}
}

func TestDeriveKeyPerUser(t *testing.T) {
	k1 := DeriveKey("user-1")
	k2 := DeriveKey("user-2")
	k1again := DeriveKey("user-1")

	if len(k1) != 32 {
		t.Fatalf("key length = %d, want 32", len(k1))
	}
	if string(k1) != string(k1again) {
		t.Error("key derivation is not stable for the same user")
	}
	if string(k1) == string(k2) {
		t.Error("different users derived the same key")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := Encrypt("secret", DeriveKey("user-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(ciphertext, DeriveKey("user-2")); err == nil {
		t.Error("expected error decrypting with the wrong key")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	key := DeriveKey("user-1")

	for _, input := range []string{
		"plain text without prefix",
		"ENC:",
		"ENC:not-base64!!!",
		"ENC:aGVsbG8=", // valid base64 but too short for a nonce
	} {
		if _, err := Decrypt(input, key); err == nil {
			t.Errorf("Decrypt(%q): expected error", input)
		}
	}
}

func TestSafeDecrypt(t *testing.T) {
	key := DeriveKey("user-1")

	ciphertext, err := Encrypt("hello", key)
	if err != nil {
		t.Fatal(err)
	}
	if got := SafeDecrypt(ciphertext, key); got != "hello" {
		t.Errorf("SafeDecrypt(valid) = %q, want %q", got, "hello")
	}

	// Unencrypted legacy content passes through.
	if got := SafeDecrypt("plain old message", key); got != "plain old message" {
		t.Errorf("SafeDecrypt(plain) = %q", got)
	}

	// Corrupt ciphertext passes through rather than erroring.
	corrupt := "ENC:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	if got := SafeDecrypt(corrupt, key); got != corrupt {
		t.Errorf("SafeDecrypt(corrupt) = %q, want input back", got)
	}

	// Wrong key passes through too.
	if got := SafeDecrypt(ciphertext, DeriveKey("user-2")); got != ciphertext {
		t.Errorf("SafeDecrypt(wrong key) = %q, want input back", got)
	}
}

func TestIsEncrypted(t *testing.T) {
	if !IsEncrypted("ENC:abc") {
		t.Error("IsEncrypted(ENC:abc) = false")
	}
	if IsEncrypted("hello") {
		t.Error("IsEncrypted(hello) = true")
	}
}
