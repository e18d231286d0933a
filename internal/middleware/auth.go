// Package middleware содержит HTTP middleware для сервиса талонов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const adminKey contextKey = "admin"

const (
	authCookieName = "admin_token"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware защищает административные маршруты подписанным cookie.
type AuthMiddleware struct {
	secretKey []byte
	login     string
	password  string
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой password отключает проверку.
func NewAuthMiddleware(secret, login, password string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		login:     login,
		password:  password,
	}
}

// Enabled сообщает, включена ли проверка администратора.
func (a *AuthMiddleware) Enabled() bool {
	return a.password != ""
}

// CheckCredentials сравнивает логин и пароль с настроенными за постоянное время.
func (a *AuthMiddleware) CheckCredentials(login, password string) bool {
	if !a.Enabled() {
		return false
	}
	okLogin := subtle.ConstantTimeCompare([]byte(login), []byte(a.login)) == 1
	okPassword := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	return okLogin && okPassword
}

// Middleware проверяет cookie администратора и добавляет его логин в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		login, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), adminKey, login)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie администратора.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, login string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(login),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(login string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(login))
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(encoded))
	return encoded + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return "", false
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}

	expected := a.sign(string(raw))
	if !hmac.Equal([]byte(cookieValue), []byte(expected)) {
		return "", false
	}

	return string(raw), true
}

// GetAdminFromContext извлекает логин администратора из контекста запроса.
func GetAdminFromContext(ctx context.Context) (string, bool) {
	login, ok := ctx.Value(adminKey).(string)
	return login, ok
}
