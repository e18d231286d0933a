// Package repository содержит реализации хранилища участников, окон действия талонов и журнала использований.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/meal-coupon-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAttendeeNotFound возвращается, если участник с указанным идентификатором не найден.
var (
	ErrAttendeeNotFound = errors.New("attendee not found")
	// ErrWindowNotFound возвращается, если окно действия талона не найдено.
	ErrWindowNotFound = errors.New("coupon validity not found")
	// ErrWindowExists возвращается при попытке создать второе окно для того же талона.
	ErrWindowExists = errors.New("coupon validity already exists")
	// ErrCouponUnavailable возвращается, если флаг талона уже сброшен (в том числе конкурентным запросом).
	ErrCouponUnavailable = errors.New("coupon not eligible or already used")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const attendeeColumns = `attendee_id, full_name, event, state, org, phone, email, bio, pic, qr_code, eligibility, created_at, updated_at`

func scanAttendee(row pgx.Row) (*model.Attendee, error) {
	var (
		a     model.Attendee
		flags []int16
	)
	err := row.Scan(&a.ID, &a.FullName, &a.Event, &a.State, &a.Org, &a.Phone, &a.Email,
		&a.Bio, &a.Pic, &a.QRCode, &flags, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Eligibility, err = model.EligibilityFromSlice(flags)
	if err != nil {
		return nil, fmt.Errorf("attendee %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAttendee возвращает участника по идентификатору.
func (r *PostgresRepository) GetAttendee(ctx context.Context, id string) (*model.Attendee, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE attendee_id = $1`,
		id,
	)

	a, err := scanAttendee(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttendeeNotFound
		}
		return nil, fmt.Errorf("get attendee: %w", err)
	}
	return a, nil
}

// ListAttendees возвращает всех участников, упорядоченных по идентификатору.
func (r *PostgresRepository) ListAttendees(ctx context.Context) ([]model.Attendee, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attendeeColumns+` FROM attendees ORDER BY attendee_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select attendees: %w", err)
	}
	defer rows.Close()

	var res []model.Attendee
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		res = append(res, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SyncAttendee создаёт или обновляет участника из внешнего списка.
// Флаги талонов, по которым уже есть запись об использовании, остаются сброшенными.
// Строка участника блокируется, поэтому конкурентное использование талона либо уже
// записано в журнал, либо перепроверит флаг после фиксации транзакции.
func (r *PostgresRepository) SyncAttendee(ctx context.Context, a model.Attendee) error {
	return r.withRetry(ctx, func() error {
		return r.syncAttendee(ctx, a)
	})
}

func (r *PostgresRepository) syncAttendee(ctx context.Context, a model.Attendee) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM attendees WHERE attendee_id = $1 FOR UPDATE`, a.ID).Scan(&dummy)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock attendee for update: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT coupon_index FROM usages WHERE attendee_id = $1`, a.ID)
	if err != nil {
		return fmt.Errorf("select redeemed coupons: %w", err)
	}
	redeemed, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return fmt.Errorf("collect redeemed coupons: %w", err)
	}

	flags := a.Eligibility.WithoutRedeemed(redeemed)

	_, err = tx.Exec(ctx,
		`INSERT INTO attendees (attendee_id, full_name, event, state, org, phone, email, bio, pic, qr_code, eligibility)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (attendee_id) DO UPDATE SET
		     full_name = EXCLUDED.full_name,
		     event = EXCLUDED.event,
		     state = EXCLUDED.state,
		     org = EXCLUDED.org,
		     phone = EXCLUDED.phone,
		     email = EXCLUDED.email,
		     bio = EXCLUDED.bio,
		     pic = EXCLUDED.pic,
		     qr_code = EXCLUDED.qr_code,
		     eligibility = EXCLUDED.eligibility,
		     updated_at = NOW()`,
		a.ID, a.FullName, a.Event, a.State, a.Org, a.Phone, a.Email, a.Bio, a.Pic, a.QRCode, toInt16(flags),
	)
	if err != nil {
		return fmt.Errorf("upsert attendee: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func toInt16(e model.Eligibility) []int16 {
	res := make([]int16, len(e))
	for i, f := range e {
		res[i] = int16(f)
	}
	return res
}

const windowColumns = `coupon_index, start_time, end_time, created_at, updated_at`

func scanWindows(rows pgx.Rows) ([]model.ValidityWindow, error) {
	defer rows.Close()

	var res []model.ValidityWindow
	for rows.Next() {
		var w model.ValidityWindow
		if err := rows.Scan(&w.Slot, &w.Start, &w.End, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan coupon validity: %w", err)
		}
		res = append(res, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ActiveWindows возвращает окна, содержащие момент now, по возрастанию номера талона.
func (r *PostgresRepository) ActiveWindows(ctx context.Context, now time.Time) ([]model.ValidityWindow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+windowColumns+`
		 FROM coupon_validities
		 WHERE start_time <= $1 AND $1 < end_time
		 ORDER BY coupon_index`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select active coupon validities: %w", err)
	}
	return scanWindows(rows)
}

// ListWindows возвращает все окна действия талонов по возрастанию номера талона.
func (r *PostgresRepository) ListWindows(ctx context.Context) ([]model.ValidityWindow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+windowColumns+` FROM coupon_validities ORDER BY coupon_index`,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupon validities: %w", err)
	}
	return scanWindows(rows)
}

// CreateWindow сохраняет новое окно действия талона.
func (r *PostgresRepository) CreateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	var res model.ValidityWindow
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupon_validities (coupon_index, start_time, end_time)
		 VALUES ($1, $2, $3)
		 RETURNING `+windowColumns,
		w.Slot, w.Start.UTC(), w.End.UTC(),
	).Scan(&res.Slot, &res.Start, &res.End, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: coupon %d", ErrWindowExists, w.Slot)
		}
		return nil, fmt.Errorf("insert coupon validity: %w", err)
	}
	return &res, nil
}

// UpdateWindow заменяет границы существующего окна действия талона.
func (r *PostgresRepository) UpdateWindow(ctx context.Context, w model.ValidityWindow) (*model.ValidityWindow, error) {
	var res model.ValidityWindow
	err := r.pool.QueryRow(ctx,
		`UPDATE coupon_validities
		 SET start_time = $2, end_time = $3, updated_at = NOW()
		 WHERE coupon_index = $1
		 RETURNING `+windowColumns,
		w.Slot, w.Start.UTC(), w.End.UTC(),
	).Scan(&res.Slot, &res.Start, &res.End, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, fmt.Errorf("update coupon validity: %w", err)
	}
	return &res, nil
}

// DeleteWindow удаляет окно действия талона.
func (r *PostgresRepository) DeleteWindow(ctx context.Context, slot int) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM coupon_validities WHERE coupon_index = $1`, slot)
	if err != nil {
		return fmt.Errorf("delete coupon validity: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}

// RedeemCoupon сбрасывает флаг талона и записывает факт использования в одной транзакции.
// Флаг сбрасывается условным обновлением: если он уже равен 0, возвращается ErrCouponUnavailable.
func (r *PostgresRepository) RedeemCoupon(ctx context.Context, u model.Usage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Массивы в PostgreSQL нумеруются с единицы.
	cmdTag, err := tx.Exec(ctx,
		`UPDATE attendees
		 SET eligibility[$2] = 0, updated_at = NOW()
		 WHERE attendee_id = $1 AND eligibility[$2] = 1`,
		u.AttendeeID, u.CouponIndex+1,
	)
	if err != nil {
		return fmt.Errorf("update eligibility: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCouponUnavailable
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO usages (id, attendee_id, coupon_index, used_at, meal_category) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.AttendeeID, u.CouponIndex, u.Timestamp.UTC(), u.MealCategory,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCouponUnavailable
		}
		return fmt.Errorf("insert usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListUsages возвращает журнал использований, новые записи первыми.
func (r *PostgresRepository) ListUsages(ctx context.Context, f model.UsageFilter) ([]model.Usage, error) {
	var (
		conds []string
		args  []any
	)
	if f.AttendeeID != "" {
		args = append(args, f.AttendeeID)
		conds = append(conds, fmt.Sprintf("attendee_id = $%d", len(args)))
	}
	if f.CouponIndex != nil {
		args = append(args, *f.CouponIndex)
		conds = append(conds, fmt.Sprintf("coupon_index = $%d", len(args)))
	}

	query := `SELECT id, attendee_id, coupon_index, used_at, meal_category FROM usages`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY used_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select usages: %w", err)
	}
	defer rows.Close()

	var res []model.Usage
	for rows.Next() {
		var u model.Usage
		if err := rows.Scan(&u.ID, &u.AttendeeID, &u.CouponIndex, &u.Timestamp, &u.MealCategory); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
