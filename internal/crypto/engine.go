// Package crypto はシークレットの暗号化・復号と生成を提供する。
//
// マスターキーは (パスワード, ソルト) からPBKDF2で決定論的に導出され、
// プロセス再起動後も既存の暗号文を復号できる。個々のシークレットは
// AES-256-GCMで暗号化され、nonce || ciphertext || tag のblobとして保存される。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"key-validation-service/internal/domain"
)

const (
	// masterKeySize はAES-256の鍵長。
	masterKeySize = 32
	// secretSize は生成するシークレットのバイト長（256ビット）。
	secretSize = 32
	// kdfIterations はPBKDF2の反復回数。
	kdfIterations = 100_000
)

// Engine はマスターキー由来のAEADでシークレットを暗号化・復号する。
// 構築後は状態を変更しないため、並行利用できる。
type Engine struct {
	aead cipher.AEAD
}

// NewEngine はマスターパスワードとソルトからEngineを生成する。
// 同じ (password, salt) の組に対して常に同じマスターキーを導出する。
func NewEngine(masterPassword, salt string) (*Engine, error) {
	if masterPassword == "" {
		return nil, fmt.Errorf("master password is required")
	}
	if salt == "" {
		return nil, fmt.Errorf("master key salt is required")
	}

	key := pbkdf2.Key([]byte(masterPassword), []byte(salt), kdfIterations, masterKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing AEAD: %w", err)
	}

	return &Engine{aead: aead}, nil
}

// GenerateSecret は256ビットの乱数シークレットを生成し、Base64で符号化して返す。
func GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// EncryptSecret は平文シークレットを暗号化し、nonce || ciphertext || tag のblobを返す。
// nonceは呼び出しごとに新しい乱数を使用する。
func (e *Engine) EncryptSecret(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSecret はblobを復号して平文シークレットを返す。
// 認証タグの検証に失敗した場合は domain.ErrCorruptedSecret を返す。
// エラーには鍵素材や暗号文の断片を一切含めない。
func (e *Engine) DecryptSecret(blob []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(blob) < nonceSize+e.aead.Overhead() {
		return nil, domain.ErrCorruptedSecret
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrCorruptedSecret
	}
	return plaintext, nil
}

// SecretsEqual はシークレット同士を定数時間で比較する。
// 比較時間は不一致の位置に依存しない。
func SecretsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
