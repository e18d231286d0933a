package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
	"github.com/mmeshcher/meal-coupon-system/internal/repository"
	"github.com/mmeshcher/meal-coupon-system/internal/roster"
)

type stubRoster struct {
	records []roster.Record
	err     error

	started chan struct{}
	release chan struct{}
}

func (s *stubRoster) Fetch(ctx context.Context) ([]roster.Record, error) {
	if s.started != nil {
		close(s.started)
		<-s.release
	}
	return s.records, s.err
}

func TestSyncRoster_NotConfigured(t *testing.T) {
	svc := NewService(newStubRepo(), nil, nil, nil, nil)

	_, err := svc.SyncRoster(context.Background())
	assert.ErrorIs(t, err, ErrRosterNotConfigured)
}

func TestSyncRoster_UpsertsAndSkips(t *testing.T) {
	repo := newStubRepo()
	src := &stubRoster{records: []roster.Record{
		{"IND_ID": "A1", "FullName": "Ann", "FoodEligibility": "1,1,0,0,0,0,0,0,0"},
		{"IND_ID": "", "FullName": "No id"},
		{"IND_ID": "B2", "Full Name": "Bob", "Food Eligibility 3": "1"},
		{"IND_ID": "C3", "FoodEligibility": "1,2"},
	}}
	svc := NewService(repo, src, nil, nil, nil)

	res, err := svc.SyncRoster(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SyncResult{Upserted: 2, Skipped: 2}, res)

	require.Len(t, repo.synced, 2)
	assert.Equal(t, "Bob", repo.synced[1].FullName)
	assert.Equal(t, model.Eligibility{0, 0, 1, 0, 0, 0, 0, 0, 0}, repo.synced[1].Eligibility)
}

func TestSyncRoster_FetchError(t *testing.T) {
	svc := NewService(newStubRepo(), &stubRoster{err: errors.New("boom")}, nil, nil, nil)

	_, err := svc.SyncRoster(context.Background())
	assert.Error(t, err)

	// блокировка освобождается и после ошибки
	_, err = svc.SyncRoster(context.Background())
	assert.NotErrorIs(t, err, ErrSyncInProgress)
}

func TestSyncRoster_SingleFlight(t *testing.T) {
	src := &stubRoster{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(newStubRepo(), src, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SyncRoster(context.Background())
		done <- err
	}()

	<-src.started
	_, err := svc.SyncRoster(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(src.release)
	require.NoError(t, <-done)
}

func TestSyncRoster_DoesNotResurrectRedeemedCoupons(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewBoltRepository(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)

	src := &stubRoster{records: []roster.Record{
		{"IND_ID": "A1", "FullName": "Ann", "FoodEligibility": "1,1,0,0,0,0,0,0,0"},
	}}
	svc := NewService(repo, src, nil, nil, nil)
	defer svc.Close()

	_, err = svc.SyncRoster(ctx)
	require.NoError(t, err)

	_, err = svc.CreateWindow(ctx, window(1, lunchStart, lunchEnd))
	require.NoError(t, err)

	res, err := svc.Redeem(ctx, "A1", lunchStart)
	require.NoError(t, err)
	require.Equal(t, model.ScanStatusAccepted, res.Status)

	_, err = svc.SyncRoster(ctx)
	require.NoError(t, err)

	a, err := svc.GetAttendee(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, model.Eligibility{0, 1, 0, 0, 0, 0, 0, 0, 0}, a.Eligibility)

	res, err = svc.Redeem(ctx, "A1", lunchStart)
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusRejected, res.Status)
}

func TestStartRosterSync_NoRoster(t *testing.T) {
	svc := NewService(newStubRepo(), nil, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartRosterSync(ctx, time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartRosterSync did not return without roster")
	}
}

func TestStartRosterSync_RunsUntilCancelled(t *testing.T) {
	repo := newStubRepo()
	src := &stubRoster{records: []roster.Record{{"IND_ID": "A1"}}}
	svc := NewService(repo, src, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartRosterSync(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.synced) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("StartRosterSync did not stop after cancel")
	}
}
