package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"key-validation-service/internal/crypto"
	"key-validation-service/internal/domain"
)

// 検証結果の理由文字列。固定のステータス語のみを返し、
// 鍵素材・暗号文・ローテーション状態を一切漏らさない。
const (
	ReasonValid       = "key validation successful"
	ReasonNoActiveKey = "no active key"
	ReasonNoMatch     = "key validation failed"
)

// ValidationResult は検証結果を表す。
type ValidationResult struct {
	Valid  bool
	Reason string
}

// ValidationService は提示されたシークレットの検証を提供する。
type ValidationService struct {
	repo   KeyRepository
	cipher SecretCipher
	now    func() time.Time
}

// NewValidationService は新しいValidationServiceを生成する。
func NewValidationService(repo KeyRepository, cipher SecretCipher) *ValidationService {
	return &ValidationService{
		repo:   repo,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Validate は提示されたシークレットがクライアントの使用可能な鍵と一致するか検証する。
//
// 使用可能な鍵（active / pending_deactivation）の全候補を復号して定数時間比較する。
// 一致が見つかっても途中で打ち切らず、全候補を処理する。
// 復号の整合性エラーはその候補を不一致として扱い検証を継続するが、
// 運用アラート用に破損イベントとしてログに記録する。
// 戻り値の理由文字列に鍵素材や暗号文の断片が含まれることはない。
func (s *ValidationService) Validate(ctx context.Context, clientID, presentedSecret string) (*ValidationResult, error) {
	candidates, err := s.usableCandidates(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &ValidationResult{Valid: false, Reason: ReasonNoActiveKey}, nil
	}

	presented := []byte(presentedSecret)
	matched := false
	for _, record := range candidates {
		plaintext, err := s.cipher.DecryptSecret(record.EncryptedSecret)
		if err != nil {
			if errors.Is(err, domain.ErrCorruptedSecret) {
				// 破損したレコードで他の有効な鍵の検証を止めない
				slog.ErrorContext(ctx, "corrupted secret detected during validation",
					"key_id", record.ID,
					"client_id", record.ClientID,
					"error", err,
				)
				continue
			}
			return nil, fmt.Errorf("decrypting candidate: %w", err)
		}
		if crypto.SecretsEqual(presented, plaintext) {
			matched = true
		}
	}

	if !matched {
		return &ValidationResult{Valid: false, Reason: ReasonNoMatch}, nil
	}
	return &ValidationResult{Valid: true, Reason: ReasonValid}, nil
}

// usableCandidates は使用可能な鍵を取得する。期限切れはその場でexpiredに遷移させる。
func (s *ValidationService) usableCandidates(ctx context.Context, clientID string) ([]*domain.KeyRecord, error) {
	records, err := s.repo.FindUsableByClientID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("finding usable keys: %w", err)
	}

	candidates := records[:0]
	for _, r := range records {
		if r.ExpiredAt(s.now()) {
			if err := s.repo.UpdateStatus(ctx, r.ID, domain.KeyStatusExpired, nil); err != nil {
				return nil, fmt.Errorf("expiring key: %w", err)
			}
			r.Status = domain.KeyStatusExpired
			continue
		}
		candidates = append(candidates, r)
	}
	return candidates, nil
}
