package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestHandler(secret string) http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return RequireJWT(secret, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
}

func do(h http.Handler, authz string) int {
	req := httptest.NewRequest(http.MethodPost, "/sources/a/transcode", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireJWT_disabled(t *testing.T) {
	if code := do(newTestHandler(""), ""); code != http.StatusAccepted {
		t.Errorf("empty secret should pass through, got %d", code)
	}
}

func TestRequireJWT(t *testing.T) {
	h := newTestHandler("s3cret")

	valid, err := Sign("s3cret", "ops", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := Sign("s3cret", "ops", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	wrongKey, _ := Sign("other", "ops", jwt.RegisteredClaims{})

	cases := []struct {
		name  string
		authz string
		want  int
	}{
		{"valid", "Bearer " + valid, http.StatusAccepted},
		{"lowercase_scheme", "bearer " + valid, http.StatusAccepted},
		{"missing", "", http.StatusUnauthorized},
		{"not_bearer", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong_key", "Bearer " + wrongKey, http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := do(h, tc.authz); code != tc.want {
				t.Errorf("got %d, want %d", code, tc.want)
			}
		})
	}
}
