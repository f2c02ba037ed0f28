// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"key-validation-service/internal/domain"
)

// usableStatuses は検証に使用可能なステータスの集合。
var usableStatuses = []string{
	string(domain.KeyStatusActive),
	string(domain.KeyStatusPendingDeactivation),
}

// KeyRecordModel はgorm用のモデル定義。
type KeyRecordModel struct {
	ID              string     `gorm:"type:char(36);primaryKey"`
	ClientID        string     `gorm:"type:varchar(64);not null;index:idx_client_id;index:idx_client_status"`
	KeyAlias        string     `gorm:"type:varchar(128);not null"`
	EncryptedSecret []byte     `gorm:"type:blob;not null"`
	Status          string     `gorm:"type:enum('active','pending_deactivation','inactive','expired');not null;default:'active';index:idx_client_status"`
	ExpiresAt       *time.Time `gorm:"type:datetime(6)"`
	CreatedBy       string     `gorm:"type:varchar(64);not null"`
	CreatedAt       time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	DeactivatedAt   *time.Time `gorm:"type:datetime(6)"`
	UpdatedAt       time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		ID:              m.ID,
		ClientID:        m.ClientID,
		KeyAlias:        m.KeyAlias,
		EncryptedSecret: m.EncryptedSecret,
		Status:          domain.KeyStatus(m.Status),
		ExpiresAt:       m.ExpiresAt,
		CreatedBy:       m.CreatedBy,
		CreatedAt:       m.CreatedAt,
		DeactivatedAt:   m.DeactivatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toModel(key *domain.KeyRecord) *KeyRecordModel {
	return &KeyRecordModel{
		ID:              key.ID,
		ClientID:        key.ClientID,
		KeyAlias:        key.KeyAlias,
		EncryptedSecret: key.EncryptedSecret,
		Status:          string(key.Status),
		ExpiresAt:       key.ExpiresAt,
		CreatedBy:       key.CreatedBy,
		DeactivatedAt:   key.DeactivatedAt,
	}
}

// KeyRepository は鍵レコードのデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// FindByID は指定されたIDの鍵を取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindByID(ctx context.Context, id string) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key by id",
			"operation", "find_by_id",
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByClientID は指定されたクライアントの全鍵を取得する。
func (r *KeyRepository) FindByClientID(ctx context.Context, clientID string) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find keys by client_id",
			"operation", "find_by_client_id",
			"client_id", clientID,
			"error", err,
		)
		return nil, err
	}
	return toDomainSlice(models), nil
}

// FindUsableByClientID は指定されたクライアントの使用可能
// （active / pending_deactivation）な鍵を取得する。
func (r *KeyRepository) FindUsableByClientID(ctx context.Context, clientID string) ([]*domain.KeyRecord, error) {
	var models []KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("client_id = ? AND status IN ?", clientID, usableStatuses).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find usable keys by client_id",
			"operation", "find_usable_by_client_id",
			"client_id", clientID,
			"error", err,
		)
		return nil, err
	}
	return toDomainSlice(models), nil
}

func toDomainSlice(models []KeyRecordModel) []*domain.KeyRecord {
	keys := make([]*domain.KeyRecord, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys
}

// Create は新しい鍵レコードを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyRecord) error {
	model := toModel(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key",
			"operation", "create",
			"client_id", key.ClientID,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// UpdateStatus は指定されたIDの鍵のステータスと退役日時を更新する。
// シークレットや作成メタデータは変更しない。
func (r *KeyRepository) UpdateStatus(ctx context.Context, id string, status domain.KeyStatus, deactivatedAt *time.Time) error {
	updates := map[string]interface{}{"status": string(status)}
	if deactivatedAt != nil {
		updates["deactivated_at"] = deactivatedAt
	}
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"key_id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// ApplyRotation は新しい鍵の保存と既存鍵の降格を単一トランザクションで行う。
//
// 降格は status = 'active' を条件とする条件付き更新で行い、並行する更新に
// 負けた場合は domain.ErrRotationConflict で失敗してロールバックする。
// これにより2つの生成が同時に「空きあり」を観測して3つ目のactiveな鍵を
// admit することはない。
func (r *KeyRepository) ApplyRotation(ctx context.Context, newKey *domain.KeyRecord, demoteID string) error {
	model := toModel(newKey)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if demoteID != "" {
			result := tx.Model(&KeyRecordModel{}).
				Where("id = ? AND status = ?", demoteID, string(domain.KeyStatusActive)).
				Update("status", string(domain.KeyStatusPendingDeactivation))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected != 1 {
				return domain.ErrRotationConflict
			}
		}
		return tx.Create(model).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to apply rotation",
			"operation", "apply_rotation",
			"client_id", newKey.ClientID,
			"demoted_key_id", demoteID,
			"error", err,
		)
		return err
	}
	newKey.ID = model.ID
	newKey.CreatedAt = model.CreatedAt
	newKey.UpdatedAt = model.UpdatedAt
	return nil
}
