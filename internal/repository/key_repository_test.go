package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"key-validation-service/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// key_recordsテーブルを作成（SQLite用にENUM→TEXT変換）
	sql := `
		CREATE TABLE key_records (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			key_alias TEXT NOT NULL,
			encrypted_secret BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deactivated_at DATETIME NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX idx_client_id ON key_records(client_id);
		CREATE INDEX idx_client_status ON key_records(client_id, status);
	`

	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create key_records table: %v", err)
	}

	return db
}

// insertTestKey はテストデータを挿入する。
func insertTestKey(t *testing.T, db *gorm.DB, id, clientID, status string, createdAt time.Time) {
	t.Helper()
	if err := db.Exec("INSERT INTO key_records (id, client_id, key_alias, encrypted_secret, status, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, clientID, "test-alias", []byte("encrypted-blob"), status, "test", createdAt, createdAt).Error; err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}
}

func TestKeyRepository_FindByID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertTestKey(t, db, "test-id-1", "client-1", "active", time.Now())

	// 鍵が存在する場合
	key, err := repo.FindByID(ctx, "test-id-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.ClientID != "client-1" {
		t.Errorf("expected client_id=client-1, got %s", key.ClientID)
	}
	if key.Status != domain.KeyStatusActive {
		t.Errorf("expected status=active, got %s", key.Status)
	}

	// 鍵が存在しない場合
	key, err = repo.FindByID(ctx, "missing-id")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil, got %+v", key)
	}
}

func TestKeyRepository_FindByClientID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	// 作成順と逆の順序で挿入
	insertTestKey(t, db, "test-id-3", "client-1", "inactive", base.Add(3*time.Hour))
	insertTestKey(t, db, "test-id-1", "client-1", "active", base.Add(1*time.Hour))
	insertTestKey(t, db, "test-id-2", "client-1", "pending_deactivation", base.Add(2*time.Hour))
	insertTestKey(t, db, "other-id", "client-2", "active", base)

	// 作成日時昇順で全鍵を返す
	keys, err := repo.FindByClientID(ctx, "client-1")
	if err != nil {
		t.Fatalf("FindByClientID failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}

	expectedIDs := []string{"test-id-1", "test-id-2", "test-id-3"}
	for i, key := range keys {
		if key.ID != expectedIDs[i] {
			t.Errorf("keys[%d]: expected id=%s, got %s", i, expectedIDs[i], key.ID)
		}
	}

	// 鍵がない場合
	keys, err = repo.FindByClientID(ctx, "client-3")
	if err != nil {
		t.Fatalf("FindByClientID failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty slice, got %d keys", len(keys))
	}
}

func TestKeyRepository_FindUsableByClientID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	insertTestKey(t, db, "test-id-1", "client-1", "active", base.Add(1*time.Hour))
	insertTestKey(t, db, "test-id-2", "client-1", "pending_deactivation", base.Add(2*time.Hour))
	insertTestKey(t, db, "test-id-3", "client-1", "inactive", base.Add(3*time.Hour))
	insertTestKey(t, db, "test-id-4", "client-1", "expired", base.Add(4*time.Hour))

	// active / pending_deactivation のみを返す
	keys, err := repo.FindUsableByClientID(ctx, "client-1")
	if err != nil {
		t.Fatalf("FindUsableByClientID failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0].ID != "test-id-1" {
		t.Errorf("keys[0]: expected id=test-id-1, got %s", keys[0].ID)
	}
	if keys[1].ID != "test-id-2" {
		t.Errorf("keys[1]: expected id=test-id-2, got %s", keys[1].ID)
	}
}

func TestKeyRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	key := &domain.KeyRecord{
		ClientID:        "client-1",
		KeyAlias:        "primary",
		EncryptedSecret: []byte("encrypted-blob"),
		Status:          domain.KeyStatusActive,
		CreatedBy:       "admin",
	}

	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if key.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}

	// タイムスタンプ反映を確認
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}
	if key.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set, got zero value")
	}

	// データベースに保存されたことを確認
	var count int64
	if err := db.Model(&KeyRecordModel{}).Where("client_id = ?", "client-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertTestKey(t, db, "test-id-1", "client-1", "active", time.Now())

	deactivatedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.UpdateStatus(ctx, "test-id-1", domain.KeyStatusInactive, &deactivatedAt); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// 更新されたことを確認
	var model KeyRecordModel
	if err := db.Where("id = ?", "test-id-1").First(&model).Error; err != nil {
		t.Fatalf("failed to fetch updated record: %v", err)
	}
	if model.Status != string(domain.KeyStatusInactive) {
		t.Errorf("expected status=inactive, got %s", model.Status)
	}
	if model.DeactivatedAt == nil {
		t.Error("expected deactivated_at to be set, got nil")
	}

	// シークレットは変更されない
	if string(model.EncryptedSecret) != "encrypted-blob" {
		t.Errorf("expected encrypted_secret to be unchanged, got %q", model.EncryptedSecret)
	}
}

func TestKeyRepository_ApplyRotation_WithDemotion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	insertTestKey(t, db, "old-id", "client-1", "active", time.Now())

	newKey := &domain.KeyRecord{
		ClientID:        "client-1",
		KeyAlias:        "rotated",
		EncryptedSecret: []byte("new-encrypted-blob"),
		Status:          domain.KeyStatusActive,
		CreatedBy:       "admin",
	}

	if err := repo.ApplyRotation(ctx, newKey, "old-id"); err != nil {
		t.Fatalf("ApplyRotation failed: %v", err)
	}

	// 既存鍵が降格されたことを確認
	var old KeyRecordModel
	if err := db.Where("id = ?", "old-id").First(&old).Error; err != nil {
		t.Fatalf("failed to fetch demoted record: %v", err)
	}
	if old.Status != string(domain.KeyStatusPendingDeactivation) {
		t.Errorf("expected status=pending_deactivation, got %s", old.Status)
	}

	// 新しい鍵が保存されたことを確認
	if newKey.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	var count int64
	if err := db.Model(&KeyRecordModel{}).Where("client_id = ?", "client-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 records, got %d", count)
	}
}

func TestKeyRepository_ApplyRotation_WithoutDemotion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	newKey := &domain.KeyRecord{
		ClientID:        "client-1",
		KeyAlias:        "first",
		EncryptedSecret: []byte("encrypted-blob"),
		Status:          domain.KeyStatusActive,
		CreatedBy:       "admin",
	}

	if err := repo.ApplyRotation(ctx, newKey, ""); err != nil {
		t.Fatalf("ApplyRotation failed: %v", err)
	}

	var count int64
	if err := db.Model(&KeyRecordModel{}).Where("client_id = ?", "client-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyRepository_ApplyRotation_ConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	// 降格対象が既にactiveでない場合は競合として全体が失敗する
	insertTestKey(t, db, "old-id", "client-1", "pending_deactivation", time.Now())

	newKey := &domain.KeyRecord{
		ClientID:        "client-1",
		KeyAlias:        "rotated",
		EncryptedSecret: []byte("new-encrypted-blob"),
		Status:          domain.KeyStatusActive,
		CreatedBy:       "admin",
	}

	err := repo.ApplyRotation(ctx, newKey, "old-id")
	if !errors.Is(err, domain.ErrRotationConflict) {
		t.Fatalf("expected ErrRotationConflict, got %v", err)
	}

	// 新しい鍵は保存されない（ロールバック）
	var count int64
	if err := db.Model(&KeyRecordModel{}).Where("client_id = ?", "client-1").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}
