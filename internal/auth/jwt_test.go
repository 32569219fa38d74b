package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")

	var gotPrincipal string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name      string
		header    string
		wantCode  int
		principal string
	}{
		{name: "valid token", header: "Bearer " + sign(t, "secret", "user-1"), wantCode: http.StatusOK, principal: "user-1"},
		{name: "missing header", header: "", wantCode: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + sign(t, "other", "user-1"), wantCode: http.StatusUnauthorized},
		{name: "empty subject", header: "Bearer " + sign(t, "secret", ""), wantCode: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not.a.token", wantCode: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotPrincipal = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			if tc.principal != "" && gotPrincipal != tc.principal {
				t.Fatalf("expected principal %q, got %q", tc.principal, gotPrincipal)
			}
		})
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier("secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	raw, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(raw); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
