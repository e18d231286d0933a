// Package lock содержит блокировки, не допускающие параллельного запуска одной и той же операции.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked возвращается, если блокировка уже удерживается другим владельцем.
var ErrLocked = errors.New("lock is already held")

// Locker выдаёт токен владельца при успешном захвате ключа.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local — блокировка в пределах одного процесса.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

// NewLocal создаёт блокировку в памяти процесса.
func NewLocal() *Local {
	return &Local{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

// TryLock захватывает ключ без ожидания. Просроченная блокировка считается свободной.
func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return "", ErrLocked
	}

	token := uuid.NewString()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	l.held[key] = localEntry{token: token, expires: expires}
	return token, nil
}

// Unlock освобождает ключ, только если токен совпадает с токеном владельца.
func (l *Local) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && e.token == token {
		delete(l.held, key)
	}
	return nil
}
