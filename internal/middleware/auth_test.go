package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signed(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseToken(t *testing.T) {
	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr error
	}{
		{
			name:   "user_id claim",
			token:  signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": "parent-1", "email": "a@b.c", "exp": future}),
			wantID: "parent-1",
		},
		{
			name:   "numeric sub claim",
			token:  signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": float64(8812), "exp": future}),
			wantID: "8812",
		},
		{
			name:    "empty",
			token:   "",
			wantErr: ErrMissingToken,
		},
		{
			name:    "wrong secret",
			token:   signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"user_id": "parent-1"}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": "parent-1", "exp": past}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no user id",
			token:   signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"email": "a@b.c"}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "none algorithm",
			token:   signed(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"user_id": "parent-1"}),
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(tt.token, testSecret)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if claims.UserID != tt.wantID {
				t.Errorf("UserID = %q, want %q", claims.UserID, tt.wantID)
			}
			if claims.Token != tt.token {
				t.Error("raw token not kept")
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	good := signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": "parent-1"})

	var seen UserClaims
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + good, http.StatusNoContent},
		{"lowercase scheme", "bearer " + good, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = UserClaims{}
			req := httptest.NewRequest(http.MethodGet, "/api/session/state", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent && seen.UserID != "parent-1" {
				t.Errorf("claims = %+v", seen)
			}
		})
	}
}
