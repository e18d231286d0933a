package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

var (
	bucketAttendees  = []byte("attendees")
	bucketValidities = []byte("coupon_validities")
	bucketUsages     = []byte("usages")
	// bucketRedemptions индексирует журнал по участнику: attendeeID 0x00 couponIndex → ключ записи в usages.
	bucketRedemptions = []byte("redemptions")
)

// BoltRepository хранит данные во встроенной базе bbolt.
// Все записи выполняются в db.Update, который сериализует транзакции записи,
// поэтому проверка и сброс флага талона атомарны.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository открывает (или создаёт) файл базы и создаёт недостающие бакеты.
func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAttendees, bucketValidities, bucketUsages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketRedemptions) != nil {
			return nil
		}
		idx, err := tx.CreateBucket(bucketRedemptions)
		if err != nil {
			return err
		}
		return backfillRedemptions(tx.Bucket(bucketUsages), idx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltRepository{db: db}, nil
}

// Close освобождает файл базы.
func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// slotKey кодирует номер талона big-endian, чтобы курсор обходил окна по возрастанию номера.
func slotKey(slot int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(slot))
	return k
}

// usageKey упорядочивает журнал по времени использования.
func usageKey(u model.Usage) []byte {
	k := make([]byte, 8, 8+len(u.ID))
	binary.BigEndian.PutUint64(k, uint64(u.Timestamp.UnixNano()))
	return append(k, u.ID...)
}

// redemptionPrefix ограничивает ключи индекса одним участником. Идентификатор
// не может содержать управляющих символов, поэтому 0x00 однозначно завершает его.
func redemptionPrefix(attendeeID string) []byte {
	k := make([]byte, 0, len(attendeeID)+2)
	k = append(k, attendeeID...)
	return append(k, 0)
}

func redemptionKey(attendeeID string, couponIndex int) []byte {
	return append(redemptionPrefix(attendeeID), byte(couponIndex))
}

// backfillRedemptions строит индекс для базы, созданной до его появления.
func backfillRedemptions(usages, idx *bolt.Bucket) error {
	return usages.ForEach(func(k, v []byte) error {
		var u model.Usage
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("decode usage %x: %w", k, err)
		}
		return idx.Put(redemptionKey(u.AttendeeID, u.CouponIndex), k)
	})
}

// redeemedSlots возвращает индексы талонов участника, по которым есть запись об использовании.
func redeemedSlots(idx *bolt.Bucket, attendeeID string) []int {
	prefix := redemptionPrefix(attendeeID)

	var res []int
	c := idx.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) == len(prefix)+1 {
			res = append(res, int(k[len(prefix)]))
		}
	}
	return res
}

func decodeAttendee(key, raw []byte) (*model.Attendee, error) {
	var a model.Attendee
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode attendee %s: %w", key, err)
	}
	if !a.Eligibility.Valid() {
		return nil, fmt.Errorf("decode attendee %s: eligibility flags must be 0 or 1", key)
	}
	return &a, nil
}

func getAttendee(b *bolt.Bucket, id string) (*model.Attendee, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, ErrAttendeeNotFound
	}
	return decodeAttendee([]byte(id), raw)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// GetAttendee возвращает участника по идентификатору.
func (r *BoltRepository) GetAttendee(ctx context.Context, id string) (*model.Attendee, error) {
	var a *model.Attendee
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAttendee(tx.Bucket(bucketAttendees), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAttendees возвращает всех участников, упорядоченных по идентификатору.
func (r *BoltRepository) ListAttendees(ctx context.Context) ([]model.Attendee, error) {
	var res []model.Attendee
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttendees).ForEach(func(k, v []byte) error {
			a, err := decodeAttendee(k, v)
			if err != nil {
				return err
			}
			res = append(res, *a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SyncAttendee создаёт или обновляет участника, не восстанавливая уже использованные талоны.
func (r *BoltRepository) SyncAttendee(ctx context.Context, a model.Attendee) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		attendees := tx.Bucket(bucketAttendees)

		now := time.Now().UTC()
		a.CreatedAt = now
		if existing, err := getAttendee(attendees, a.ID); err == nil {
			a.CreatedAt = existing.CreatedAt
		} else if err != ErrAttendeeNotFound {
			return err
		}
		a.UpdatedAt = now

		redeemed := redeemedSlots(tx.Bucket(bucketRedemptions), a.ID)
		a.Eligibility = a.Eligibility.WithoutRedeemed(redeemed)
		return putJSON(attendees, []byte(a.ID), a)
	})
}

func (r *BoltRepository) windows(match func(model.ValidityWindow) bool) ([]model.ValidityWindow, error) {
	var res []model.ValidityWindow
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValidities).ForEach(func(_, v []byte) error {
			var w model.ValidityWindow
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if match(w) {
				res = append(res, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read coupon validities: %w", err)
	}
	return res, nil
}

// ActiveWindows возвращает окна, содержащие момент now, по возрастанию номера талона.
func (r *BoltRepository) ActiveWindows(ctx context.Context, now time.Time) ([]model.ValidityWindow, error) {
	return r.windows(func(w model.ValidityWindow) bool { return w.Contains(now) })
}

// ListWindows возвращает все окна действия талонов по возрастанию номера талона.
func (r *BoltRepository) ListWindows(ctx context.Context) ([]model.ValidityWindow, error) {
	return r.windows(func(model.ValidityWindow) bool { return true })
}

// CreateWindow сохраняет новое окно действия талона.
func (r *BoltRepository) CreateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValidities)
		if b.Get(slotKey(w.Slot)) != nil {
			return fmt.Errorf("%w: coupon %d", ErrWindowExists, w.Slot)
		}
		now := time.Now().UTC()
		w.Start, w.End = w.Start.UTC(), w.End.UTC()
		w.CreatedAt, w.UpdatedAt = now, now
		return putJSON(b, slotKey(w.Slot), w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWindow заменяет границы существующего окна действия талона.
func (r *BoltRepository) UpdateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	var res model.ValidityWindow
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValidities)
		raw := b.Get(slotKey(w.Slot))
		if raw == nil {
			return ErrWindowNotFound
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return err
		}
		res.Start, res.End = w.Start.UTC(), w.End.UTC()
		res.UpdatedAt = time.Now().UTC()
		return putJSON(b, slotKey(w.Slot), res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteWindow удаляет окно действия талона.
func (r *BoltRepository) DeleteWindow(ctx context.Context, slot int) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValidities)
		if b.Get(slotKey(slot)) == nil {
			return ErrWindowNotFound
		}
		return b.Delete(slotKey(slot))
	})
}

// RedeemCoupon сбрасывает флаг талона и записывает факт использования в одной транзакции.
func (r *BoltRepository) RedeemCoupon(ctx context.Context, u model.Usage) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		attendees := tx.Bucket(bucketAttendees)

		a, err := getAttendee(attendees, u.AttendeeID)
		if err != nil {
			if err == ErrAttendeeNotFound {
				return ErrCouponUnavailable
			}
			return err
		}
		if u.CouponIndex < 0 || u.CouponIndex >= model.CouponSlots || a.Eligibility[u.CouponIndex] != 1 {
			return ErrCouponUnavailable
		}

		idx := tx.Bucket(bucketRedemptions)
		rk := redemptionKey(a.ID, u.CouponIndex)
		if idx.Get(rk) != nil {
			return ErrCouponUnavailable
		}

		a.Eligibility[u.CouponIndex] = 0
		a.UpdatedAt = time.Now().UTC()
		if err := putJSON(attendees, []byte(a.ID), a); err != nil {
			return fmt.Errorf("update eligibility: %w", err)
		}

		u.Timestamp = u.Timestamp.UTC()
		uk := usageKey(u)
		if err := putJSON(tx.Bucket(bucketUsages), uk, u); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		if err := idx.Put(rk, uk); err != nil {
			return fmt.Errorf("index usage: %w", err)
		}
		return nil
	})
}

// ListUsages возвращает журнал использований, новые записи первыми.
func (r *BoltRepository) ListUsages(ctx context.Context, f model.UsageFilter) ([]model.Usage, error) {
	var res []model.Usage
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsages).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var u model.Usage
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("decode usage %x: %w", k, err)
			}
			if f.Match(u) {
				res = append(res, u)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
