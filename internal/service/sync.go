package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/meal-coupon-system/internal/lock"
	"github.com/mmeshcher/meal-coupon-system/internal/model"
	"github.com/mmeshcher/meal-coupon-system/internal/roster"
)

// ErrSyncInProgress возвращается, если синхронизация уже выполняется.
var (
	ErrSyncInProgress = errors.New("roster sync already in progress")
	// ErrRosterNotConfigured возвращается, если адрес таблицы участников не задан.
	ErrRosterNotConfigured = errors.New("roster source not configured")
)

const (
	syncLockKey = "mealcoupon:roster-sync"
	syncLockTTL = 10 * time.Minute
)

// SyncRoster загружает таблицу участников и обновляет их записи.
// Одновременно выполняется не более одной синхронизации. Строки с некорректными
// данными пропускаются; уже использованные талоны не восстанавливаются.
func (s *Service) SyncRoster(ctx context.Context) (model.SyncResult, error) {
	var res model.SyncResult

	if s.roster == nil {
		return res, ErrRosterNotConfigured
	}

	token, err := s.locker.TryLock(ctx, syncLockKey, syncLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			s.metrics.ObserveSync("busy", res)
			return res, ErrSyncInProgress
		}
		return res, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, syncLockKey, token); err != nil {
			s.logger.Warn("release sync lock", zap.Error(err))
		}
	}()

	res, err = s.syncRoster(ctx)
	if err != nil {
		s.metrics.ObserveSync("failed", res)
		return res, err
	}

	s.metrics.ObserveSync("ok", res)
	return res, nil
}

func (s *Service) syncRoster(ctx context.Context) (model.SyncResult, error) {
	var res model.SyncResult

	records, err := s.roster.Fetch(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch roster: %w", err)
	}

	for _, rec := range records {
		a, err := roster.Normalize(rec)
		if err != nil {
			res.Skipped++
			s.logger.Warn("skip roster record", zap.Error(err))
			continue
		}

		if err := s.repo.SyncAttendee(ctx, a); err != nil {
			return res, fmt.Errorf("sync attendee %s: %w", a.ID, err)
		}
		res.Upserted++
	}

	return res, nil
}

// StartRosterSync периодически синхронизирует таблицу участников до отмены контекста.
// Возвращает управление сразу, если таблица не настроена или интервал не задан.
func (s *Service) StartRosterSync(ctx context.Context, interval time.Duration) {
	if s.roster == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.runScheduledSync(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) runScheduledSync(ctx context.Context) {
	res, err := s.SyncRoster(ctx)
	switch {
	case err == nil:
		s.logger.Info("roster synchronized",
			zap.Int("upserted", res.Upserted),
			zap.Int("skipped", res.Skipped),
		)
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Debug("roster sync skipped, another run in progress")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("roster sync error", zap.Error(err))
	}
}
