package setting

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler contains dependencies for handling setting endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

// NewHandler constructs a new Handler.
func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// List returns the environment and filter templates in effect.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.svc.View()); err != nil {
		h.logger.Warnw("encode settings failed", "err", err)
	}
}
