package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPasswordHashRoundtrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("password stored in clear")
	}
	if err := VerifyPassword(hash, "hunter2"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
}

func TestMiddlewarePassesValidToken(t *testing.T) {
	SetSecret("test-secret")

	token, err := GenerateToken("u-1", "alice", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var got *Claims
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/ports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got == nil || got.UserID != "u-1" || got.Username != "alice" || got.Role != "admin" {
		t.Fatalf("claims = %+v", got)
	}
}

func TestMiddlewareRejectsBadRequests(t *testing.T) {
	SetSecret("test-secret")

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without valid token")
	}))

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc123",
		"garbage token":  "Bearer not.a.token",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/ports", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestMiddlewareRejectsTokenSignedWithOtherKey(t *testing.T) {
	SetSecret("key-one")
	token, err := GenerateToken("u-1", "alice", "operator")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	SetSecret("key-two")
	t.Cleanup(func() { SetSecret("test-secret") })

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with foreign token")
	}))

	req := httptest.NewRequest("GET", "/api/v1/ports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
