package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

// newPostgresTestRepository подключается к базе из DATABASE_URI; без неё тест пропускается.
func newPostgresTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// newPostgresAttendee создаёт участника с уникальным идентификатором и удаляет его данные после теста.
func newPostgresAttendee(t *testing.T, r *PostgresRepository, e model.Eligibility) string {
	t.Helper()
	ctx := context.Background()

	id := "T-" + uuid.NewString()
	require.NoError(t, r.SyncAttendee(ctx, model.Attendee{ID: id, FullName: "Test", Eligibility: e}))

	t.Cleanup(func() {
		_, _ = r.pool.Exec(context.Background(), `DELETE FROM usages WHERE attendee_id = $1`, id)
		_, _ = r.pool.Exec(context.Background(), `DELETE FROM attendees WHERE attendee_id = $1`, id)
	})
	return id
}

func TestPostgresRedeemCoupon_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	r := newPostgresTestRepository(t)
	id := newPostgresAttendee(t, r, model.Eligibility{0, 0, 1, 0, 0, 0, 0, 0, 0})

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		rejected  int
		failures  []error
		startLine = make(chan struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startLine

			err := r.RedeemCoupon(ctx, model.Usage{
				ID:           uuid.NewString(),
				AttendeeID:   id,
				CouponIndex:  2,
				Timestamp:    time.Now(),
				MealCategory: model.MealCategory(3),
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrCouponUnavailable):
				rejected++
			default:
				failures = append(failures, err)
			}
		}()
	}
	close(startLine)
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, 1, accepted)
	assert.Equal(t, workers-1, rejected)

	a, err := r.GetAttendee(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.Eligibility{}, a.Eligibility)

	usages, err := r.ListUsages(ctx, model.UsageFilter{AttendeeID: id})
	require.NoError(t, err)
	assert.Len(t, usages, 1)
}

func TestPostgresRedeemCoupon_DuplicateUsageIsUnavailable(t *testing.T) {
	ctx := context.Background()
	r := newPostgresTestRepository(t)
	id := newPostgresAttendee(t, r, model.Eligibility{1, 0, 0, 0, 0, 0, 0, 0, 0})

	usage := model.Usage{ID: uuid.NewString(), AttendeeID: id, CouponIndex: 0, Timestamp: time.Now()}
	require.NoError(t, r.RedeemCoupon(ctx, usage))

	// Флаг возвращён в обход движка: повторную запись должен остановить уникальный индекс.
	_, err := r.pool.Exec(ctx, `UPDATE attendees SET eligibility[1] = 1 WHERE attendee_id = $1`, id)
	require.NoError(t, err)

	usage.ID = uuid.NewString()
	err = r.RedeemCoupon(ctx, usage)
	assert.ErrorIs(t, err, ErrCouponUnavailable)

	a, err := r.GetAttendee(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), a.Eligibility[0], "failed redemption must roll back the flag update")

	usages, err := r.ListUsages(ctx, model.UsageFilter{AttendeeID: id})
	require.NoError(t, err)
	assert.Len(t, usages, 1)
}

func TestPostgresSyncAttendee_KeepsRedeemedFlags(t *testing.T) {
	ctx := context.Background()
	r := newPostgresTestRepository(t)
	all := model.Eligibility{1, 1, 1, 1, 1, 1, 1, 1, 1}
	id := newPostgresAttendee(t, r, all)

	require.NoError(t, r.RedeemCoupon(ctx, model.Usage{ID: uuid.NewString(), AttendeeID: id, CouponIndex: 4, Timestamp: time.Now()}))
	require.NoError(t, r.SyncAttendee(ctx, model.Attendee{ID: id, FullName: "Renamed", Eligibility: all}))

	a, err := r.GetAttendee(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", a.FullName)
	assert.Equal(t, model.Eligibility{1, 1, 1, 1, 0, 1, 1, 1, 1}, a.Eligibility)
}
