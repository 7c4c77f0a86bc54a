package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID      = "sm-test"
	testSecret     = "0123456789abcdef0123456789abcdef"
	previousKeyID  = "sm-old"
	previousSecret = "fedcba9876543210fedcba9876543210"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestJWTAuth создаёт JWTAuth с текущим и предыдущим HMAC-ключами.
func newTestJWTAuth(t *testing.T) *JWTAuth {
	t.Helper()
	auth, err := NewJWTAuth(JWTAuthConfig{
		Secrets: map[string]string{
			testKeyID:     testSecret,
			previousKeyID: previousSecret,
		},
		JWTLeeway: 5 * time.Second,
	}, silentLogger())
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}
	return auth
}

func validClaims(id int64, admin bool) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: id,
		Email:  "alice@example.com",
		Admin:  admin,
	}
}

func signHS256(t *testing.T, kid, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func serve(auth *JWTAuth, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	auth.Middleware()(next).ServeHTTP(rec, req)
	return rec
}

func mustNotBeCalled(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler не должен быть вызван")
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	auth := newTestJWTAuth(t)
	tok := signHS256(t, testKeyID, testSecret, validClaims(42, false))

	rec := serve(auth, "Bearer "+tok, func(w http.ResponseWriter, r *http.Request) {
		if got := OwnerFromContext(r.Context()); got != 42 {
			t.Errorf("OwnerFromContext = %d, хотели 42", got)
		}
		claims := ClaimsFromContext(r.Context())
		if claims == nil || claims.Email != "alice@example.com" {
			t.Errorf("claims = %+v", claims)
		}
		w.WriteHeader(http.StatusOK)
	})

	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuth_PreviousKey(t *testing.T) {
	auth := newTestJWTAuth(t)
	tok := signHS256(t, previousKeyID, previousSecret, validClaims(7, false))

	rec := serve(auth, "Bearer "+tok, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("токен предыдущего ключа: статус %d, хотели 200", rec.Code)
	}
}

func TestJWTAuth_Rejected(t *testing.T) {
	auth := newTestJWTAuth(t)

	expired := validClaims(1, false)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims(1, false)
	noExp.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса bearer", "token123"},
		{"пустой bearer", "Bearer   "},
		{"мусор", "Bearer not.a.jwt"},
		{"просрочен", "Bearer " + signHS256(t, testKeyID, testSecret, expired)},
		{"без exp", "Bearer " + signHS256(t, testKeyID, testSecret, noExp)},
		{"неверный секрет", "Bearer " + signHS256(t, testKeyID, previousSecret, validClaims(1, false))},
		{"неизвестный kid", "Bearer " + signHS256(t, "unknown", testSecret, validClaims(1, false))},
		{"без id", "Bearer " + signHS256(t, testKeyID, testSecret, validClaims(0, false))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(auth, tt.header, mustNotBeCalled(t))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestNewJWTAuth_NoSecrets(t *testing.T) {
	if _, err := NewJWTAuth(JWTAuthConfig{}, silentLogger()); err == nil {
		t.Error("ожидалась ошибка без ключей подписи")
	}
}

// buildRSAJWKS строит JWKS JSON из RSA публичного ключа.
func buildRSAJWKS(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func TestJWTAuth_RS256Keyfunc(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(buildRSAJWKS(&key.PublicKey, "rsa-1"))
	if err != nil {
		t.Fatalf("keyfunc.NewJWKSetJSON: %v", err)
	}
	auth := NewJWTAuthWithKeyfunc(kf, 0, silentLogger())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(9, true))
	token.Header["kid"] = "rsa-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	rec := serve(auth, "Bearer "+signed, func(w http.ResponseWriter, r *http.Request) {
		if !ClaimsFromContext(r.Context()).Admin {
			t.Error("ожидался admin=true")
		}
		w.WriteHeader(http.StatusOK)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		claims *Claims
		want   int
	}{
		{"администратор", &Claims{UserID: 1, Admin: true}, http.StatusOK},
		{"обычный пользователь", &Claims{UserID: 1}, http.StatusForbidden},
		{"без claims", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			ctx := context.Background()
			if tt.claims != nil {
				ctx = WithClaims(ctx, tt.claims)
			}
			req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("статус %d, хотели %d", rec.Code, tt.want)
			}
		})
	}
}

func TestOwnerFromContext_Empty(t *testing.T) {
	if got := OwnerFromContext(context.Background()); got != 0 {
		t.Errorf("OwnerFromContext = %d, хотели 0", got)
	}
}

func TestBuildHMACJWKS(t *testing.T) {
	raw := BuildHMACJWKS(map[string]string{"b": "secret-b", "a": "secret-a"})

	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("ключей %d, хотели 2", len(set.Keys))
	}
	if set.Keys[0]["kid"] != "a" || set.Keys[0]["kty"] != "oct" {
		t.Errorf("первый ключ = %v", set.Keys[0])
	}
	k, _ := base64.RawURLEncoding.DecodeString(set.Keys[0]["k"])
	if string(k) != "secret-a" {
		t.Errorf("k = %q, хотели secret-a", k)
	}
}
