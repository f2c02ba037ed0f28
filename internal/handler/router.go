package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-validation-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *KeyHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Get("/health", h.Health)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/clients/{client_id}/keys", func(r chi.Router) {
			r.Post("/", h.CreateKey)
			r.Get("/", h.ListKeys)
			r.Get("/count", h.ActiveKeyCount)
		})
		r.Route("/keys", func(r chi.Router) {
			r.Post("/validate", h.ValidateKey)
			r.Get("/{key_id}", h.GetKeyStatus)
			r.Delete("/{key_id}", h.DeactivateKey)
		})
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
