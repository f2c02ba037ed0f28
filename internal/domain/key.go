// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// MaxActiveKeysPerClient はクライアントごとのactiveな鍵数の上限。
// 上限到達時のローテーションでは最も古いactiveな鍵が退役予定に降格され、
// activeな鍵がこの上限を超えることはない。
const MaxActiveKeysPerClient = 2

// KeyStatus は鍵のステータスを表す。4状態の閉じた集合。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusPendingDeactivation はローテーションにより退役予定の鍵を表す。
	// 猶予期間中は検証に成功する。
	KeyStatusPendingDeactivation KeyStatus = "pending_deactivation"
	// KeyStatusInactive は無効化された鍵を表す（終端状態）。
	KeyStatusInactive KeyStatus = "inactive"
	// KeyStatusExpired は有効期限切れの鍵を表す（終端状態）。
	KeyStatusExpired KeyStatus = "expired"
)

// Usable は鍵が検証に使用可能なステータスかどうかを返す。
func (s KeyStatus) Usable() bool {
	return s == KeyStatusActive || s == KeyStatusPendingDeactivation
}

// Terminal は終端状態かどうかを返す。終端状態から再有効化はできない。
func (s KeyStatus) Terminal() bool {
	return s == KeyStatusInactive || s == KeyStatusExpired
}

// CanTransitionTo は状態遷移表に基づいて遷移可否を返す。
//
//	active               -> pending_deactivation | inactive | expired
//	pending_deactivation -> inactive | expired
//	inactive, expired    -> （遷移不可）
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	switch s {
	case KeyStatusActive:
		return next == KeyStatusPendingDeactivation ||
			next == KeyStatusInactive ||
			next == KeyStatusExpired
	case KeyStatusPendingDeactivation:
		return next == KeyStatusInactive || next == KeyStatusExpired
	default:
		return false
	}
}

// KeyRecord は鍵レコードエンティティを表す。
// ID と EncryptedSecret は作成後に変更されない。
type KeyRecord struct {
	ID              string
	ClientID        string
	KeyAlias        string
	EncryptedSecret []byte // nonce || ciphertext || tag
	Status          KeyStatus
	ExpiresAt       *time.Time
	CreatedBy       string
	CreatedAt       time.Time
	DeactivatedAt   *time.Time
	UpdatedAt       time.Time
}

// ExpiredAt は now 時点で有効期限が切れているかどうかを返す。
// 期限は使用可能な鍵にのみ意味を持つ。
func (k *KeyRecord) ExpiredAt(now time.Time) bool {
	return k.Status.Usable() && k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Metadata は暗号化済みシークレットを含まない外部公開用の射影を返す。
func (k *KeyRecord) Metadata() *KeyMetadata {
	return &KeyMetadata{
		ID:            k.ID,
		ClientID:      k.ClientID,
		KeyAlias:      k.KeyAlias,
		Status:        k.Status,
		ExpiresAt:     k.ExpiresAt,
		CreatedBy:     k.CreatedBy,
		CreatedAt:     k.CreatedAt,
		DeactivatedAt: k.DeactivatedAt,
	}
}

// KeyMetadata は鍵のメタデータを表す（シークレットを含まない）。
type KeyMetadata struct {
	ID            string
	ClientID      string
	KeyAlias      string
	Status        KeyStatus
	ExpiresAt     *time.Time
	CreatedBy     string
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}
