// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"key-validation-service/internal/domain"
	"key-validation-service/internal/middleware"
	"key-validation-service/internal/usecase"
	"key-validation-service/pkg/httputil"
)

var clientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// KeyHandler はHTTPハンドラを提供する。
type KeyHandler struct {
	keys       *usecase.KeyService
	validation *usecase.ValidationService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keys *usecase.KeyService, validation *usecase.ValidationService) *KeyHandler {
	return &KeyHandler{keys: keys, validation: validation}
}

func validateClientID(clientID string) error {
	if clientID == "" || len(clientID) > 64 {
		return domain.ErrInvalidClientID
	}
	if !clientIDRegex.MatchString(clientID) {
		return domain.ErrInvalidClientID
	}
	return nil
}

func validateKeyID(keyID string) error {
	if _, err := uuid.Parse(keyID); err != nil {
		return domain.ErrInvalidKeyID
	}
	return nil
}

// CreateKeyRequest は鍵生成リクエストの形式。
type CreateKeyRequest struct {
	KeyAlias  string     `json:"key_alias"`
	CreatedBy string     `json:"created_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateKeyResponse は鍵生成レスポンスの形式。
// PlaintextSecret はこのレスポンスで一度だけ返され、以後取得できない。
type CreateKeyResponse struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	KeyAlias        string `json:"key_alias"`
	PlaintextSecret string `json:"plaintext_secret"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	Message         string `json:"message"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。シークレットは含まない。
type KeyMetadataResponse struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	KeyAlias      string `json:"key_alias"`
	Status        string `json:"status"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
	DeactivatedAt string `json:"deactivated_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// ActiveCountResponse はactiveな鍵数のレスポンス形式。
type ActiveCountResponse struct {
	ClientID       string `json:"client_id"`
	ActiveKeyCount int    `json:"active_key_count"`
	MaxAllowed     int    `json:"max_allowed"`
}

// ValidateKeyRequest は鍵検証リクエストの形式。
type ValidateKeyRequest struct {
	ClientID  string `json:"client_id"`
	SecretKey string `json:"secret_key"`
}

// ValidateKeyResponse は鍵検証レスポンスの形式。
type ValidateKeyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// DeactivateKeyResponse は鍵無効化レスポンスの形式。
type DeactivateKeyResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DeactivatedAt string `json:"deactivated_at,omitempty"`
	Message       string `json:"message"`
}

func toMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		ID:        m.ID,
		ClientID:  m.ClientID,
		KeyAlias:  m.KeyAlias,
		Status:    string(m.Status),
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
	if m.ExpiresAt != nil {
		resp.ExpiresAt = m.ExpiresAt.Format(time.RFC3339)
	}
	if m.DeactivatedAt != nil {
		resp.DeactivatedAt = m.DeactivatedAt.Format(time.RFC3339)
	}
	return resp
}

// CreateKey は新しいシークレット鍵を生成する。
// 平文シークレットはこのレスポンスでのみ返される。
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "client_id")
	if err := validateClientID(clientID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CLIENT_ID", "invalid client ID format")
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.KeyAlias == "" || req.CreatedBy == "" {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "key_alias and created_by are required")
		return
	}

	metadata, plaintext, err := h.keys.CreateKey(ctx, clientID, req.KeyAlias, req.CreatedBy, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, domain.ErrRotationLimit) {
			middleware.WriteAuditLog(ctx, "CREATE_KEY", clientID, "", "FAILED")
			httputil.Error(w, http.StatusConflict, "ROTATION_LIMIT", "rotation limit reached; deactivate a key first")
			return
		}
		middleware.WriteAuditLog(ctx, "CREATE_KEY", clientID, "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(ctx, "CREATE_KEY", clientID, metadata.ID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, CreateKeyResponse{
		ID:              metadata.ID,
		ClientID:        metadata.ClientID,
		KeyAlias:        metadata.KeyAlias,
		PlaintextSecret: plaintext,
		Status:          string(metadata.Status),
		CreatedAt:       metadata.CreatedAt.Format(time.RFC3339),
		Message:         "Key created successfully. Store the plaintext_secret securely - it cannot be retrieved again.",
	})
}

// ListKeys はクライアントの鍵一覧（メタデータのみ）を取得する。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "client_id")
	if err := validateClientID(clientID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CLIENT_ID", "invalid client ID format")
		return
	}

	keys, err := h.keys.ListKeys(ctx, clientID)
	if err != nil {
		middleware.WriteAuditLog(ctx, "LIST_KEYS", clientID, "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(ctx, "LIST_KEYS", clientID, "", "SUCCESS")
	response := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		response.Keys[i] = toMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, response)
}

// ActiveKeyCount はactiveな鍵数を取得する。次の生成でローテーションが
// 起きるかどうかを呼び出し側が予測するために使う。
func (h *KeyHandler) ActiveKeyCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "client_id")
	if err := validateClientID(clientID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CLIENT_ID", "invalid client ID format")
		return
	}

	count, err := h.keys.ActiveKeyCount(ctx, clientID)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	httputil.JSON(w, http.StatusOK, ActiveCountResponse{
		ClientID:       clientID,
		ActiveKeyCount: count,
		MaxAllowed:     domain.MaxActiveKeysPerClient,
	})
}

// GetKeyStatus は鍵のステータスを取得する。
func (h *KeyHandler) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	metadata, err := h.keys.GetKeyStatus(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	httputil.JSON(w, http.StatusOK, toMetadataResponse(metadata))
}

// DeactivateKey は鍵を即時に無効化する。冪等な操作。
func (h *KeyHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keyID := chi.URLParam(r, "key_id")
	if err := validateKeyID(keyID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KEY_ID", "invalid key ID format")
		return
	}

	metadata, err := h.keys.DeactivateKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			middleware.WriteAuditLog(ctx, "DEACTIVATE_KEY", "", keyID, "FAILED")
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
			return
		}
		middleware.WriteAuditLog(ctx, "DEACTIVATE_KEY", "", keyID, "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteAuditLog(ctx, "DEACTIVATE_KEY", metadata.ClientID, keyID, "SUCCESS")
	resp := DeactivateKeyResponse{
		ID:      metadata.ID,
		Status:  string(metadata.Status),
		Message: "key has been deactivated",
	}
	if metadata.DeactivatedAt != nil {
		resp.DeactivatedAt = metadata.DeactivatedAt.Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// ValidateKey は提示されたシークレットを検証する。
// レスポンスに鍵素材や暗号文の断片が含まれることはない。
func (h *KeyHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ValidateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if err := validateClientID(req.ClientID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_CLIENT_ID", "invalid client ID format")
		return
	}

	result, err := h.validation.Validate(ctx, req.ClientID, req.SecretKey)
	if err != nil {
		middleware.WriteAuditLog(ctx, "VALIDATE_KEY", req.ClientID, "", "FAILED")
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	auditResult := "INVALID"
	if result.Valid {
		auditResult = "VALID"
	}
	middleware.WriteAuditLog(ctx, "VALIDATE_KEY", req.ClientID, "", auditResult)
	httputil.JSON(w, http.StatusOK, ValidateKeyResponse{
		Valid:  result.Valid,
		Reason: result.Reason,
	})
}

// Health はヘルスチェックエンドポイント。
func (h *KeyHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "key-validation-service",
	})
}
