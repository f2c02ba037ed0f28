// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"key-validation-service/internal/crypto"
	"key-validation-service/internal/domain"
)

// KeyRepository はデータアクセスのインターフェース。
type KeyRepository interface {
	FindByID(ctx context.Context, id string) (*domain.KeyRecord, error)
	FindByClientID(ctx context.Context, clientID string) ([]*domain.KeyRecord, error)
	FindUsableByClientID(ctx context.Context, clientID string) ([]*domain.KeyRecord, error)
	Create(ctx context.Context, key *domain.KeyRecord) error
	// UpdateStatus はステータスと退役日時を更新する。他のカラムは変更しない。
	UpdateStatus(ctx context.Context, id string, status domain.KeyStatus, deactivatedAt *time.Time) error
	// ApplyRotation は新しい鍵の保存と既存鍵の退役予定化を単一トランザクションで行う。
	// demoteID が空の場合は新しい鍵の保存のみ行う。
	ApplyRotation(ctx context.Context, newKey *domain.KeyRecord, demoteID string) error
}

// SecretCipher はシークレットの暗号化・復号のインターフェース。
type SecretCipher interface {
	EncryptSecret(plaintext []byte) ([]byte, error)
	DecryptSecret(blob []byte) ([]byte, error)
}

// KeyService は鍵のライフサイクル管理を提供する。
// 同一クライアントに対する生成操作はクライアント単位のロックで直列化され、
// ローテーション上限の不変条件（activeな鍵 ≤ 2）を並行実行下でも保証する。
type KeyService struct {
	repo        KeyRepository
	cipher      SecretCipher
	clientLocks sync.Map // client_id -> *sync.Mutex
	now         func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, cipher SecretCipher) *KeyService {
	return &KeyService{
		repo:   repo,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// lockClient はクライアント単位のミューテックスを取得してロックする。
// グローバルロックは使わない。直列化の範囲はクライアント単位のみ。
func (s *KeyService) lockClient(clientID string) *sync.Mutex {
	v, _ := s.clientLocks.LoadOrStore(clientID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu
}

// CreateKey は新しいシークレット鍵を生成し、ローテーションを適用する。
//
// クライアントのactiveな鍵が既に上限に達している場合、最も古いactiveな鍵を
// pending_deactivation に降格して空きを作る。使用可能な鍵がすべて退役予定で
// 降格できる鍵がない場合は domain.ErrRotationLimit で失敗する。
// 平文シークレットは戻り値として一度だけ返され、以後いかなる操作でも取得できない。
func (s *KeyService) CreateKey(ctx context.Context, clientID, keyAlias, createdBy string, expiresAt *time.Time) (*domain.KeyMetadata, string, error) {
	plaintext, err := crypto.GenerateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}

	encrypted, err := s.cipher.EncryptSecret([]byte(plaintext))
	if err != nil {
		return nil, "", fmt.Errorf("encrypting secret: %w", err)
	}

	mu := s.lockClient(clientID)
	defer mu.Unlock()

	usable, err := s.usableRecords(ctx, clientID)
	if err != nil {
		return nil, "", err
	}

	// ローテーション: activeな鍵が上限に達していれば最も古いものを退役予定に降格する
	demoteID := ""
	if countActive(usable) >= domain.MaxActiveKeysPerClient {
		demoteID = oldestActive(usable).ID
	} else if len(usable) >= domain.MaxActiveKeysPerClient && countActive(usable) == 0 {
		// 使用可能な鍵がすべて退役予定の場合、猶予期間中の鍵を黙って追い出すことはしない
		return nil, "", domain.ErrRotationLimit
	}

	record := &domain.KeyRecord{
		ClientID:        clientID,
		KeyAlias:        keyAlias,
		EncryptedSecret: encrypted,
		Status:          domain.KeyStatusActive,
		ExpiresAt:       expiresAt,
		CreatedBy:       createdBy,
	}

	if err := s.repo.ApplyRotation(ctx, record, demoteID); err != nil {
		return nil, "", fmt.Errorf("applying rotation: %w", err)
	}

	if demoteID != "" {
		slog.InfoContext(ctx, "rotated out oldest active key",
			"client_id", clientID,
			"demoted_key_id", demoteID,
			"new_key_id", record.ID,
		)
	}

	return record.Metadata(), plaintext, nil
}

// countActive はactiveな鍵の数を返す。
func countActive(records []*domain.KeyRecord) int {
	n := 0
	for _, r := range records {
		if r.Status == domain.KeyStatusActive {
			n++
		}
	}
	return n
}

// oldestActive は使用可能な鍵のうち最も古いactiveな鍵を返す。存在しない場合はnil。
func oldestActive(records []*domain.KeyRecord) *domain.KeyRecord {
	var oldest *domain.KeyRecord
	for _, r := range records {
		if r.Status != domain.KeyStatusActive {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	return oldest
}

// DeactivateKey は鍵を即時に無効化する（猶予期間を経ない管理操作）。
// 既に終端状態の場合はエラーにせず現在の状態を返す（冪等）。
func (s *KeyService) DeactivateKey(ctx context.Context, keyID string) (*domain.KeyMetadata, error) {
	record, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return nil, domain.ErrKeyNotFound
	}

	if err := s.expireIfStale(ctx, record); err != nil {
		return nil, err
	}

	if record.Status.Terminal() {
		return record.Metadata(), nil
	}

	if !record.Status.CanTransitionTo(domain.KeyStatusInactive) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, record.Status, domain.KeyStatusInactive)
	}

	deactivatedAt := s.now()
	if err := s.repo.UpdateStatus(ctx, record.ID, domain.KeyStatusInactive, &deactivatedAt); err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	record.Status = domain.KeyStatusInactive
	record.DeactivatedAt = &deactivatedAt

	return record.Metadata(), nil
}

// GetKeyStatus は鍵のメタデータを取得する。
func (s *KeyService) GetKeyStatus(ctx context.Context, keyID string) (*domain.KeyMetadata, error) {
	record, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if record == nil {
		return nil, domain.ErrKeyNotFound
	}

	if err := s.expireIfStale(ctx, record); err != nil {
		return nil, err
	}

	return record.Metadata(), nil
}

// ListKeys は指定されたクライアントの全鍵メタデータを取得する。
// シークレット（平文・暗号文とも）は含まれない。
func (s *KeyService) ListKeys(ctx context.Context, clientID string) ([]*domain.KeyMetadata, error) {
	records, err := s.repo.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(records))
	for i, r := range records {
		if err := s.expireIfStale(ctx, r); err != nil {
			return nil, err
		}
		metadata[i] = r.Metadata()
	}
	return metadata, nil
}

// ActiveKeyCount はactiveな鍵の数を返す。退役予定の鍵は含まない。
// 呼び出し側は次の生成でローテーションが起きるかどうかをこの値で予測できる。
func (s *KeyService) ActiveKeyCount(ctx context.Context, clientID string) (int, error) {
	usable, err := s.usableRecords(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return countActive(usable), nil
}

// usableRecords は使用可能な鍵を取得する。期限切れの鍵はその場でexpiredに遷移させ、
// 結果から除外する（遅延期限評価。バックグラウンドのスケジューラは持たない）。
func (s *KeyService) usableRecords(ctx context.Context, clientID string) ([]*domain.KeyRecord, error) {
	records, err := s.repo.FindUsableByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("finding usable keys: %w", err)
	}

	usable := records[:0]
	for _, r := range records {
		if err := s.expireIfStale(ctx, r); err != nil {
			return nil, err
		}
		if r.Status.Usable() {
			usable = append(usable, r)
		}
	}
	return usable, nil
}

// expireIfStale は有効期限を過ぎた使用可能な鍵をexpiredに遷移させる。
func (s *KeyService) expireIfStale(ctx context.Context, record *domain.KeyRecord) error {
	if !record.ExpiredAt(s.now()) {
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, record.ID, domain.KeyStatusExpired, nil); err != nil {
		return fmt.Errorf("expiring key: %w", err)
	}
	slog.InfoContext(ctx, "key expired",
		"key_id", record.ID,
		"client_id", record.ClientID,
	)
	record.Status = domain.KeyStatusExpired
	return nil
}
