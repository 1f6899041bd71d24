package e2e

import (
	"net/http"
	"testing"

	"github.com/clipforge/api/internal/auth"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestHealth_ReportsClientConfiguration(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'services' object, got %T", body["services"])
	}
	// Every external client is unconfigured in tests, so stages run in mock mode.
	for _, name := range []string{"groq", "tts", "r2"} {
		if services[name] != false {
			t.Errorf("expected %s to be unconfigured, got %v", name, services[name])
		}
	}
	if services["auth"] != true {
		t.Errorf("expected auth to be configured, got %v", services["auth"])
	}
}

func TestAuthVerify_Rejections(t *testing.T) {
	ta := setupApp(t)

	foreign, err := auth.NewAuthenticator(nil, "another-secret").IssueLegacyToken("intruder", "intruder@example.com")
	if err != nil {
		t.Fatalf("failed to sign foreign token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
		{"foreign signature", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers map[string]string
			if tt.header != "" {
				headers = map[string]string{"Authorization": tt.header}
			}
			resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", headers)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusUnauthorized)
			if resp.Header.Get("X-User-Id") != "" {
				t.Error("expected no identity headers on rejection")
			}
		})
	}
}

func TestAuthVerify_ForwardsIdentity(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	if got := resp.Header.Get("X-User-Id"); got != "test-user-123" {
		t.Errorf("expected X-User-Id 'test-user-123', got %q", got)
	}
	if got := resp.Header.Get("X-User-Email"); got != "test@example.com" {
		t.Errorf("expected X-User-Email 'test@example.com', got %q", got)
	}
}
