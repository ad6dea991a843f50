package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/sbomer/internal/config"
	"github.com/pitabwire/sbomer/model"
)

var testSecret = []byte("test-secret-0123456789")

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		SecretEnv: "SBOMER_JWT_SECRET",
		Issuer:    "https://auth.example.com",
		Audience:  "sbomer",
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "pipeline-bot",
		"iss": "https://auth.example.com",
		"aud": "sbomer",
		"exp": jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
}

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

// authRequest runs a request through the authenticator and returns the
// recorder plus the claims seen by the downstream handler.
func authRequest(t *testing.T, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	handler := JWTAuthenticator(testAuthCfg(), testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("POST", "/api/v1/generations", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

func TestJWTAuthenticator_valid(t *testing.T) {
	w, claims := authRequest(t, "Bearer "+signHS256(t, testSecret, validClaims()))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if claims["sub"] != "pipeline-bot" {
		t.Errorf("sub = %v, want pipeline-bot", claims["sub"])
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.example.com"

	wrongAudience := validClaims()
	wrongAudience["aud"] = "someone-else"

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		message string
	}{
		{"missing header", "", "Missing authorization header"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"expired", "Bearer " + signHS256(t, testSecret, expired), "Token expired"},
		{"wrong issuer", "Bearer " + signHS256(t, testSecret, wrongIssuer), "Invalid token issuer"},
		{"wrong audience", "Bearer " + signHS256(t, testSecret, wrongAudience), "Invalid token audience"},
		{"wrong secret", "Bearer " + signHS256(t, []byte("other-secret"), validClaims()), "Invalid token signature"},
		{"unsigned", "Bearer " + none, "Disallowed signing algorithm"},
		{"no expiry", "Bearer " + signHS256(t, testSecret, noExpiry), "Invalid token"},
		{"garbage", "Bearer not-a-token", "Invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, claims := authRequest(t, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if claims != nil {
				t.Error("downstream handler must not run")
			}
			if got := errorMessage(t, w); got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestJWTAuthenticator_optionalIssuerAudience(t *testing.T) {
	handler := JWTAuthenticator(config.AuthConfig{}, testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	claims := jwt.MapClaims{"sub": "x", "exp": jwt.NewNumericDate(time.Now().Add(time.Minute))}
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, testSecret, claims))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
