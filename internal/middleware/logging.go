// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は鍵操作の監査ログを出力する。
// シークレット（平文・暗号文とも）は絶対に含めない。
func WriteAuditLog(ctx context.Context, operation, clientID, keyID, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"client_id", clientID,
		"key_id", keyID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
