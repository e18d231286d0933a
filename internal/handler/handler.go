// Package handler содержит HTTP-обработчики API сервиса талонов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/meal-coupon-system/internal/metrics"
	"github.com/mmeshcher/meal-coupon-system/internal/middleware"
	"github.com/mmeshcher/meal-coupon-system/internal/model"
	"github.com/mmeshcher/meal-coupon-system/internal/repository"
	"github.com/mmeshcher/meal-coupon-system/internal/service"
	"github.com/mmeshcher/meal-coupon-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Redeem(ctx context.Context, attendeeID string, now time.Time) (model.Outcome, error)
	GetAttendee(ctx context.Context, id string) (*model.Attendee, error)
	ListAttendees(ctx context.Context) ([]model.Attendee, error)
	ListUsages(ctx context.Context, f model.UsageFilter) ([]model.Usage, error)
	ListWindows(ctx context.Context) ([]model.ValidityWindow, error)
	CreateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error)
	UpdateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error)
	DeleteWindow(ctx context.Context, slot int) error
	SyncRoster(ctx context.Context) (model.SyncResult, error)
}

// Handler реализует HTTP-обработчики API сервиса талонов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. m может быть nil.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m *metrics.Metrics) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
		now:            time.Now,
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// Health сообщает, что сервис запущен.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type scanRequest struct {
	AttendeeID string `json:"attendeeId"`
	LegacyID   string `json:"IND_ID"`
}

// Scan обрабатывает отсканированный QR-код участника и пытается использовать талон.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.Outcome{Status: "invalid", Message: "malformed request body"})
		return
	}

	id := strings.TrimSpace(req.AttendeeID)
	if id == "" {
		id = strings.TrimSpace(req.LegacyID)
	}

	if !validation.IsValidAttendeeID(id) {
		writeJSON(w, http.StatusBadRequest, model.Outcome{Status: "invalid", Message: "attendeeId is required"})
		return
	}

	res, err := h.service.Redeem(r.Context(), id, h.now())
	if err != nil {
		if errors.Is(err, service.ErrInvalidAttendeeID) {
			writeJSON(w, http.StatusBadRequest, model.Outcome{Status: "invalid", Message: "attendeeId is required"})
			return
		}
		h.logger.Error("scan error", zap.Error(err), zap.String("attendee", id))
		writeJSON(w, http.StatusInternalServerError, model.Outcome{Status: "error", Message: "server error"})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListAttendees возвращает всех участников.
func (h *Handler) ListAttendees(w http.ResponseWriter, r *http.Request) {
	attendees, err := h.service.ListAttendees(r.Context())
	if err != nil {
		h.logger.Error("list attendees error", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "server error")
		return
	}

	if attendees == nil {
		attendees = []model.Attendee{}
	}
	writeJSON(w, http.StatusOK, attendees)
}

func (h *Handler) attendee(w http.ResponseWriter, r *http.Request) (*model.Attendee, bool) {
	id := chi.URLParam(r, "id")

	a, err := h.service.GetAttendee(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAttendeeID):
			writeMessage(w, http.StatusBadRequest, "invalid attendee id")
		case errors.Is(err, repository.ErrAttendeeNotFound):
			writeMessage(w, http.StatusNotFound, "attendee not found")
		default:
			h.logger.Error("get attendee error", zap.Error(err), zap.String("attendee", id))
			writeMessage(w, http.StatusInternalServerError, "server error")
		}
		return nil, false
	}
	return a, true
}

// GetAttendee возвращает участника по идентификатору.
func (h *Handler) GetAttendee(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attendee(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetAttendeeCoupons возвращает флаги талонов участника.
func (h *Handler) GetAttendeeCoupons(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attendee(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.Eligibility.Ints())
}

// ListUsages возвращает журнал использований с необязательными фильтрами attendeeId и couponIndex.
func (h *Handler) ListUsages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := model.UsageFilter{AttendeeID: strings.TrimSpace(q.Get("attendeeId"))}
	if f.AttendeeID == "" {
		f.AttendeeID = strings.TrimSpace(q.Get("IND_ID"))
	}

	if raw := q.Get("couponIndex"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "couponIndex must be an integer")
			return
		}
		f.CouponIndex = &idx
	}

	usages, err := h.service.ListUsages(r.Context(), f)
	if err != nil {
		h.logger.Error("list usages error", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "server error")
		return
	}

	if usages == nil {
		usages = []model.Usage{}
	}
	writeJSON(w, http.StatusOK, usages)
}

// ListWindows возвращает расписание талонов.
func (h *Handler) ListWindows(w http.ResponseWriter, r *http.Request) {
	windows, err := h.service.ListWindows(r.Context())
	if err != nil {
		h.logger.Error("list coupon validities error", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "server error")
		return
	}

	if windows == nil {
		windows = []model.ValidityWindow{}
	}
	writeJSON(w, http.StatusOK, windows)
}

type windowRequest struct {
	CouponIndex int       `json:"couponIndex"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`

	// Имена полей, которые отправляют старые клиенты.
	StartDateTime time.Time `json:"startDateTime"`
	EndDateTime   time.Time `json:"endDateTime"`
}

func decodeWindow(r *http.Request) (model.ValidityWindow, error) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.ValidityWindow{}, err
	}
	if req.StartTime.IsZero() {
		req.StartTime = req.StartDateTime
	}
	if req.EndTime.IsZero() {
		req.EndTime = req.EndDateTime
	}
	return model.ValidityWindow{
		Slot:  req.CouponIndex,
		Start: req.StartTime,
		End:   req.EndTime,
	}, nil
}

func (h *Handler) writeWindowError(w http.ResponseWriter, err error, slot int) {
	switch {
	case errors.Is(err, service.ErrInvalidWindow):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrWindowExists):
		writeMessage(w, http.StatusConflict, "coupon validity already exists")
	case errors.Is(err, repository.ErrWindowNotFound):
		writeMessage(w, http.StatusNotFound, "coupon validity not found")
	default:
		h.logger.Error("coupon validity error", zap.Error(err), zap.Int("slot", slot))
		writeMessage(w, http.StatusInternalServerError, "server error")
	}
}

// CreateWindow создаёт окно действия талона.
func (h *Handler) CreateWindow(w http.ResponseWriter, r *http.Request) {
	win, err := decodeWindow(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "couponIndex, startTime and endTime are required")
		return
	}

	created, err := h.service.CreateWindow(r.Context(), win)
	if err != nil {
		h.writeWindowError(w, err, win.Slot)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func slotParam(r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	return slot, err == nil
}

// UpdateWindow меняет границы окна действия талона.
func (h *Handler) UpdateWindow(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "coupon index must be an integer")
		return
	}

	win, err := decodeWindow(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "startTime and endTime are required")
		return
	}
	if win.Slot != 0 && win.Slot != slot {
		writeMessage(w, http.StatusBadRequest, "couponIndex does not match the path")
		return
	}
	win.Slot = slot

	updated, err := h.service.UpdateWindow(r.Context(), win)
	if err != nil {
		h.writeWindowError(w, err, slot)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteWindow удаляет окно действия талона.
func (h *Handler) DeleteWindow(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "coupon index must be an integer")
		return
	}

	if err := h.service.DeleteWindow(r.Context(), slot); err != nil {
		h.writeWindowError(w, err, slot)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login проверяет учётные данные администратора и устанавливает cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.authMiddleware.Enabled() {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.authMiddleware.CheckCredentials(req.Login, req.Password) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Login)
	w.WriteHeader(http.StatusOK)
}

// SyncRoster запускает синхронизацию списка участников с внешней таблицей.
func (h *Handler) SyncRoster(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.SyncRoster(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			writeMessage(w, http.StatusConflict, "roster sync already in progress")
		case errors.Is(err, service.ErrRosterNotConfigured):
			writeMessage(w, http.StatusServiceUnavailable, "roster source not configured")
		default:
			h.logger.Error("roster sync error", zap.Error(err))
			writeMessage(w, http.StatusInternalServerError, "server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}
