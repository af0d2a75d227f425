package user

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/entity"
)

// Handler exposes read-only HTTP endpoints over the presence state.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// DetailResponse is one active user with its rooms and filters.
type DetailResponse struct {
	User    entity.ActiveUser       `json:"user"`
	Rooms   []entity.RoomAttendance `json:"rooms"`
	Filters []entity.FilterRecord   `json:"filters"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.store.Users(r.Context())
	if err != nil {
		h.logger.Warnw("list users failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, users)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := entity.NormalizeID(r.PathValue("id"))
	ctx := r.Context()
	au, ok, err := h.svc.store.User(ctx, id)
	if err != nil {
		h.logger.Warnw("get user failed", "user", id, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not active"})
		return
	}
	resp := DetailResponse{User: au}
	if resp.Rooms, err = h.svc.store.Attendance(ctx, id, entity.AnyField); err == nil {
		resp.Filters, err = h.svc.store.Filters(ctx, entity.FilterQuery{UserID: id})
	}
	if err != nil {
		h.logger.Warnw("get user failed", "user", id, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Rooms lists every attendance record.
func (h *Handler) Rooms(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.store.Snapshot(r.Context())
	if err != nil {
		h.logger.Warnw("list rooms failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, snap.Rooms)
}

// Filters lists filter records, optionally narrowed by the room, ip and
// user query parameters.
func (h *Handler) Filters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.svc.store.Filters(r.Context(), entity.FilterQuery{
		UserID:   entity.NormalizeID(q.Get("user")),
		RoomName: q.Get("room"),
		DeviceIP: q.Get("ip"),
	})
	if err != nil {
		h.logger.Warnw("list filters failed", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
