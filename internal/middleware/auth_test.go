package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "admin", "pass")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		login, ok := GetAdminFromContext(r.Context())
		if !ok {
			t.Fatalf("admin not in context")
		}
		if login != "admin" {
			t.Fatalf("admin from context = %q, want admin", login)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/coupon-validities", nil)

	m.SetAuthCookie(w, "admin")
	resCookies := w.Result().Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "admin", "pass")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/coupon-validities", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_ForeignSignature(t *testing.T) {
	issuer := NewAuthMiddleware("other-secret", "admin", "pass")
	m := NewAuthMiddleware("test-secret", "admin", "pass")

	w := httptest.NewRecorder()
	issuer.SetAuthCookie(w, "admin")

	r := httptest.NewRequest(http.MethodPost, "/api/roster/sync", nil)
	r.AddCookie(w.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_DisabledWithoutPassword(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "admin", "")

	nextCalled := false
	r := httptest.NewRequest(http.MethodDelete, "/api/coupon-validities/1", nil)
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("admin routes must be open when no password is configured")
	}
	if m.CheckCredentials("admin", "") {
		t.Fatalf("login must be impossible when auth is disabled")
	}
}

func TestCheckCredentials(t *testing.T) {
	m := NewAuthMiddleware("", "admin", "pass")

	if !m.CheckCredentials("admin", "pass") {
		t.Fatalf("valid credentials rejected")
	}
	if m.CheckCredentials("admin", "wrong") {
		t.Fatalf("wrong password accepted")
	}
	if m.CheckCredentials("root", "pass") {
		t.Fatalf("wrong login accepted")
	}
}
