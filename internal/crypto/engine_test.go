package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"key-validation-service/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine("test-master-password", "test-salt")
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestNewEngine_RequiresPasswordAndSalt(t *testing.T) {
	if _, err := NewEngine("", "salt"); err == nil {
		t.Error("expected error for empty password, got nil")
	}
	if _, err := NewEngine("password", ""); err == nil {
		t.Error("expected error for empty salt, got nil")
	}
}

func TestEngine_EncryptDecrypt_RoundTrip(t *testing.T) {
	e := newTestEngine(t)

	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("secret-key-material"),
		bytes.Repeat([]byte{0xAB}, 512),
	}
	for _, plaintext := range payloads {
		blob, err := e.EncryptSecret(plaintext)
		if err != nil {
			t.Fatalf("EncryptSecret failed: %v", err)
		}
		got, err := e.DecryptSecret(blob)
		if err != nil {
			t.Fatalf("DecryptSecret failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d byte payload", len(plaintext))
		}
	}
}

func TestEngine_Encrypt_FreshNoncePerCall(t *testing.T) {
	e := newTestEngine(t)

	a, err := e.EncryptSecret([]byte("same-plaintext"))
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}
	b, err := e.EncryptSecret([]byte("same-plaintext"))
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("expected distinct blobs for repeated encryption of the same plaintext")
	}
}

func TestEngine_Decrypt_TamperDetection(t *testing.T) {
	e := newTestEngine(t)

	blob, err := e.EncryptSecret([]byte("tamper-target"))
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}

	// blob内の各バイトを1ビット反転して復号が必ず失敗することを確認
	for i := range blob {
		mutated := append([]byte(nil), blob...)
		mutated[i] ^= 0x01
		if _, err := e.DecryptSecret(mutated); !errors.Is(err, domain.ErrCorruptedSecret) {
			t.Fatalf("expected ErrCorruptedSecret for bit flip at byte %d, got %v", i, err)
		}
	}
}

func TestEngine_Decrypt_TruncatedBlob(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.DecryptSecret([]byte("short")); !errors.Is(err, domain.ErrCorruptedSecret) {
		t.Errorf("expected ErrCorruptedSecret for truncated blob, got %v", err)
	}
	if _, err := e.DecryptSecret(nil); !errors.Is(err, domain.ErrCorruptedSecret) {
		t.Errorf("expected ErrCorruptedSecret for nil blob, got %v", err)
	}
}

func TestEngine_Decrypt_WrongMasterKey(t *testing.T) {
	e := newTestEngine(t)
	blob, err := e.EncryptSecret([]byte("cross-key"))
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}

	other, err := NewEngine("another-password", "test-salt")
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := other.DecryptSecret(blob); !errors.Is(err, domain.ErrCorruptedSecret) {
		t.Errorf("expected ErrCorruptedSecret with wrong master key, got %v", err)
	}
}

func TestEngine_Derivation_Deterministic(t *testing.T) {
	a := newTestEngine(t)
	blob, err := a.EncryptSecret([]byte("restart-survivor"))
	if err != nil {
		t.Fatalf("EncryptSecret failed: %v", err)
	}

	// 同じ (password, salt) から再構築したエンジンで復号できること
	b := newTestEngine(t)
	got, err := b.DecryptSecret(blob)
	if err != nil {
		t.Fatalf("DecryptSecret failed: %v", err)
	}
	if string(got) != "restart-survivor" {
		t.Errorf("want restart-survivor, got %s", string(got))
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if a == b {
		t.Error("expected distinct secrets")
	}

	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("secret is not valid base64: %v", err)
	}
	if len(raw) != secretSize {
		t.Errorf("want %d byte secret, got %d", secretSize, len(raw))
	}
}

func TestSecretsEqual(t *testing.T) {
	if !SecretsEqual([]byte("abc"), []byte("abc")) {
		t.Error("expected equal secrets to match")
	}
	if SecretsEqual([]byte("abc"), []byte("abd")) {
		t.Error("expected different secrets not to match")
	}
	if SecretsEqual([]byte("abc"), []byte("abcd")) {
		t.Error("expected different length secrets not to match")
	}
}
