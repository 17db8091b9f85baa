package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"livechat-relay/internal/auth"
	"livechat-relay/internal/bus"
	"livechat-relay/internal/hub"
	"livechat-relay/internal/model"
	"livechat-relay/internal/store"
)

func newTestRouter(creds *auth.CredentialStore, tokenCfg auth.TokenConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Deps{
		TokenConfig:       tokenCfg,
		Credentials:       creds,
		Sessions:          &auth.TokenResolver{TokenConfig: tokenCfg, Credentials: creds},
		Registry:          store.NewMemoryRegistry(time.Hour),
		Livechats:         store.NewMemoryLivechatStore(time.Hour),
		Feed:              &fakeFeed{},
		Bus:               bus.NewMemoryBus(),
		Hub:               hub.New(),
		Endpoint:          "node-test",
		ContinuationTopic: "jobs",
	})
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestRouter(auth.NewCredentialStore(), auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPutSessionStoresCredentials(t *testing.T) {
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	creds := auth.NewCredentialStore()
	r := newTestRouter(creds, tokenCfg)

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"accessToken":  "at",
		"refreshToken": "rt",
		"tokenType":    "Bearer",
		"scope":        "youtube.readonly",
		"expiryDate":   1700000000000,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	got, ok := creds.Get("user-1")
	if !ok {
		t.Fatal("expected stored credentials")
	}
	want := model.Credentials{
		AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer",
		Scope: "youtube.readonly", ExpiryDate: 1700000000000,
	}
	if got != want {
		t.Fatalf("unexpected credentials %+v", got)
	}
}

func TestPutSessionRejectsUnauthenticated(t *testing.T) {
	r := newTestRouter(auth.NewCredentialStore(), auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"})

	body, _ := json.Marshal(map[string]any{"accessToken": "at"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestPutSessionRejectsMissingAccessToken(t *testing.T) {
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	r := newTestRouter(auth.NewCredentialStore(), tokenCfg)

	tok, err := auth.CreateToken("user-1", tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"refreshToken": "rt"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/session", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
