package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func mustSign(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := SignClaims(claims, secret)
	if err != nil {
		t.Fatalf("SignClaims() error = %v", err)
	}
	return token
}

func requestWithCookie(name, value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return r
}

func TestValidate_MissingCookie(t *testing.T) {
	v := NewValidator("casdoor_token", "")

	_, err := v.Validate(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Validate() error = %v, want ErrUnauthenticated", err)
	}

	_, err = v.Validate(requestWithCookie("other", "x"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Validate() with unrelated cookie error = %v, want ErrUnauthenticated", err)
	}
}

func TestValidate_InvalidCredential(t *testing.T) {
	v := NewValidator("casdoor_token", "")

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"no subject", mustSign(t, jwt.MapClaims{"name": "Ada"}, testSecret)},
		{"empty subject", mustSign(t, jwt.MapClaims{"sub": ""}, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(requestWithCookie("casdoor_token", tt.token))
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("Validate() error = %v, want ErrInvalidCredential", err)
			}
			if Reason(err) != "invalid_credential" {
				t.Errorf("Reason() = %q", Reason(err))
			}
		})
	}
}

func TestIdentityFromClaims_ResolutionOrder(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   Identity
	}{
		{
			name:   "top level wins",
			claims: map[string]any{"sub": "s1", "userId": "u1", "name": "Top", "properties": map[string]any{"Name": "Nested", "Surname": "Sur", "Group": "g"}},
			want:   Identity{SubjectID: "s1", DisplayName: "Top", Surname: "Sur", Group: "g"},
		},
		{
			name:   "userId fallback",
			claims: map[string]any{"userId": "u1", "surname": "Top"},
			want:   Identity{SubjectID: "u1", Surname: "Top"},
		},
		{
			name:   "nested fallback",
			claims: map[string]any{"properties": map[string]any{"userId": "p1", "Name": "Ada", "Surname": "Lovelace", "Group": "admins"}},
			want:   Identity{SubjectID: "p1", DisplayName: "Ada", Surname: "Lovelace", Group: "admins"},
		},
		{
			name:   "empty top level falls through",
			claims: map[string]any{"sub": "", "userId": "u2", "name": "", "properties": map[string]any{"Name": "Nested"}},
			want:   Identity{SubjectID: "u2", DisplayName: "Nested"},
		},
		{
			name:   "numeric subject",
			claims: map[string]any{"userId": float64(42)},
			want:   Identity{SubjectID: "42"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IdentityFromClaims(tt.claims)
			if err != nil {
				t.Fatalf("IdentityFromClaims() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IdentityFromClaims() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidate_UnverifiedAcceptsAnySignature(t *testing.T) {
	v := NewValidator("casdoor_token", "")
	token := mustSign(t, jwt.MapClaims{"sub": "user-1", "name": "Ada"}, "whatever-the-provider-used")

	id, err := v.Validate(requestWithCookie("casdoor_token", token))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.SubjectID != "user-1" || id.DisplayName != "Ada" {
		t.Errorf("identity = %+v", id)
	}
	if v.Verifying() {
		t.Error("Verifying() = true without secret")
	}
}

func TestValidate_VerifiedMode(t *testing.T) {
	v := NewValidator("casdoor_token", testSecret)

	good := mustSign(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}, testSecret)
	if _, err := v.Validate(requestWithCookie("casdoor_token", good)); err != nil {
		t.Fatalf("Validate(good) error = %v", err)
	}

	forged := mustSign(t, jwt.MapClaims{"sub": "user-1"}, "attacker")
	if _, err := v.Validate(requestWithCookie("casdoor_token", forged)); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Validate(forged) error = %v, want ErrInvalidCredential", err)
	}

	expired := mustSign(t, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Hour).Unix()}, testSecret)
	if _, err := v.Validate(requestWithCookie("casdoor_token", expired)); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Validate(expired) error = %v, want ErrInvalidCredential", err)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewValidator("casdoor_token", "")
	var rejected int
	v.OnReject = func(*http.Request, error) { rejected++ }

	var got Identity
	handler := v.Middleware(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/user-info", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without cookie = %d, want 401", rec.Code)
	}
	if rejected != 1 {
		t.Errorf("OnReject calls = %d, want 1", rejected)
	}

	token := mustSign(t, jwt.MapClaims{"sub": "user-1"}, testSecret)
	rec = httptest.NewRecorder()
	handler(rec, requestWithCookie("casdoor_token", token))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status with cookie = %d, want 204", rec.Code)
	}
	if got.SubjectID != "user-1" {
		t.Errorf("context identity = %+v", got)
	}
}

func TestCookieValue_RoundTrip(t *testing.T) {
	id := Identity{SubjectID: "u-1", DisplayName: "Ada Byron", Surname: "Lovelace, Countess", Group: `"quoted"`}

	value, err := id.CookieValue()
	if err != nil {
		t.Fatalf("CookieValue() error = %v", err)
	}
	got, err := ParseCookieValue(value)
	if err != nil {
		t.Fatalf("ParseCookieValue() error = %v", err)
	}
	if got != id {
		t.Errorf("round trip = %+v, want %+v", got, id)
	}

	if _, err := ParseCookieValue("%7Bnot-json"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("ParseCookieValue(bad) error = %v", err)
	}
}
