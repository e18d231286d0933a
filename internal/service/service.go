// Package service реализует бизнес-логику сервиса талонов на питание.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/meal-coupon-system/internal/lock"
	"github.com/mmeshcher/meal-coupon-system/internal/metrics"
	"github.com/mmeshcher/meal-coupon-system/internal/model"
	"github.com/mmeshcher/meal-coupon-system/internal/repository"
	"github.com/mmeshcher/meal-coupon-system/internal/roster"
	"github.com/mmeshcher/meal-coupon-system/internal/validation"
)

// ErrInvalidAttendeeID возвращается, если идентификатор участника отсутствует или некорректен.
var (
	ErrInvalidAttendeeID = errors.New("invalid attendee id")
	// ErrInvalidWindow возвращается при некорректных параметрах окна действия талона.
	ErrInvalidWindow = errors.New("invalid coupon validity")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetAttendee(ctx context.Context, id string) (*model.Attendee, error)
	ListAttendees(ctx context.Context) ([]model.Attendee, error)
	SyncAttendee(ctx context.Context, a model.Attendee) error
	ActiveWindows(ctx context.Context, now time.Time) ([]model.ValidityWindow, error)
	ListWindows(ctx context.Context) ([]model.ValidityWindow, error)
	CreateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error)
	UpdateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error)
	DeleteWindow(ctx context.Context, slot int) error
	RedeemCoupon(ctx context.Context, u model.Usage) error
	ListUsages(ctx context.Context, f model.UsageFilter) ([]model.Usage, error)
}

// RosterSource загружает строки внешней таблицы участников.
type RosterSource interface {
	Fetch(ctx context.Context) ([]roster.Record, error)
}

// Service содержит бизнес-логику сервиса талонов.
type Service struct {
	repo    Repository
	roster  RosterSource
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
	newID   func() string
}

// NewService создаёт сервис. rosterSource может быть nil, если синхронизация не настроена.
func NewService(repo Repository, rosterSource RosterSource, locker lock.Locker, m *metrics.Metrics, logger *zap.Logger) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		roster:  rosterSource,
		locker:  locker,
		metrics: m,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func outcome(status model.ScanStatus, format string, args ...any) model.Outcome {
	return model.Outcome{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Redeem решает, какой талон участник может использовать в момент now, и атомарно фиксирует использование.
//
// Активные окна перебираются по возрастанию номера талона. Окна, номер которых выходит за
// пределы флагов участника, пропускаются. Первое окно в пределах флагов определяет результат:
// если талон недоступен, следующие окна не рассматриваются.
//
// Результаты решения возвращаются как model.Outcome; ошибка означает сбой хранилища.
func (s *Service) Redeem(ctx context.Context, attendeeID string, now time.Time) (model.Outcome, error) {
	if !validation.IsValidAttendeeID(attendeeID) {
		return model.Outcome{}, ErrInvalidAttendeeID
	}

	res, slot, err := s.redeem(ctx, attendeeID, now)
	if err != nil {
		return model.Outcome{}, err
	}

	s.metrics.ObserveScan(res, slot)
	return res, nil
}

func (s *Service) redeem(ctx context.Context, attendeeID string, now time.Time) (model.Outcome, int, error) {
	a, err := s.repo.GetAttendee(ctx, attendeeID)
	if err != nil {
		if errors.Is(err, repository.ErrAttendeeNotFound) {
			return outcome(model.ScanStatusNotFound, "attendee not found"), 0, nil
		}
		return model.Outcome{}, 0, fmt.Errorf("get attendee: %w", err)
	}

	windows, err := s.repo.ActiveWindows(ctx, now)
	if err != nil {
		return model.Outcome{}, 0, fmt.Errorf("active windows: %w", err)
	}
	if len(windows) == 0 {
		return outcome(model.ScanStatusNoActiveWindow, "no valid coupons available at this time"), 0, nil
	}

	slices.SortStableFunc(windows, func(x, y model.ValidityWindow) int { return x.Slot - y.Slot })

	for _, w := range windows {
		idx := w.Slot - 1
		if idx < 0 || idx >= len(a.Eligibility) {
			continue
		}

		if a.Eligibility[idx] != 1 {
			return outcome(model.ScanStatusRejected, "coupon %d not eligible or already used", w.Slot), w.Slot, nil
		}

		err := s.repo.RedeemCoupon(ctx, model.Usage{
			ID:           s.newID(),
			AttendeeID:   a.ID,
			CouponIndex:  idx,
			Timestamp:    now,
			MealCategory: model.MealCategory(w.Slot),
		})
		if err != nil {
			// Флаг сброшен конкурентным запросом: первый записавший выигрывает.
			if errors.Is(err, repository.ErrCouponUnavailable) {
				return outcome(model.ScanStatusRejected, "coupon %d not eligible or already used", w.Slot), w.Slot, nil
			}
			return model.Outcome{}, 0, fmt.Errorf("redeem coupon %d: %w", w.Slot, err)
		}

		s.logger.Info("coupon redeemed",
			zap.String("attendee", a.ID),
			zap.Int("slot", w.Slot),
		)
		return outcome(model.ScanStatusAccepted, "coupon %d successfully used", w.Slot), w.Slot, nil
	}

	return outcome(model.ScanStatusNoEligibleWindow, "no eligible coupons available at this time"), 0, nil
}

// GetAttendee возвращает участника по идентификатору.
func (s *Service) GetAttendee(ctx context.Context, id string) (*model.Attendee, error) {
	if !validation.IsValidAttendeeID(id) {
		return nil, ErrInvalidAttendeeID
	}
	return s.repo.GetAttendee(ctx, id)
}

// ListAttendees возвращает всех участников.
func (s *Service) ListAttendees(ctx context.Context) ([]model.Attendee, error) {
	return s.repo.ListAttendees(ctx)
}

// ListUsages возвращает журнал использований по фильтру.
func (s *Service) ListUsages(ctx context.Context, f model.UsageFilter) ([]model.Usage, error) {
	return s.repo.ListUsages(ctx, f)
}

// ListWindows возвращает расписание талонов.
func (s *Service) ListWindows(ctx context.Context) ([]model.ValidityWindow, error) {
	return s.repo.ListWindows(ctx)
}

func validateWindow(w model.ValidityWindow) error {
	if w.Slot < 1 {
		return fmt.Errorf("%w: coupon index must be positive", ErrInvalidWindow)
	}
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end time are required", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidWindow)
	}
	return nil
}

// CreateWindow создаёт окно действия талона. Повторное создание окна для того же талона запрещено.
func (s *Service) CreateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	return s.repo.CreateWindow(ctx, w)
}

// UpdateWindow меняет границы существующего окна действия талона.
func (s *Service) UpdateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	if err := validateWindow(w); err != nil {
		return nil, err
	}
	return s.repo.UpdateWindow(ctx, w)
}

// DeleteWindow удаляет окно действия талона.
func (s *Service) DeleteWindow(ctx context.Context, slot int) error {
	return s.repo.DeleteWindow(ctx, slot)
}
