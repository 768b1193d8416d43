package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"

	"github.com/bigkaa/chankeeper/internal/api/handlers"
	"github.com/bigkaa/chankeeper/internal/api/middleware"
	"github.com/bigkaa/chankeeper/internal/config"
	"github.com/bigkaa/chankeeper/internal/database"
	"github.com/bigkaa/chankeeper/internal/service"
	"github.com/bigkaa/chankeeper/internal/storage/mediastore"
)

const testKeyID = "server-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler собирает APIHandler над временной SQLite без зарегистрированных задач.
func newTestHandler(t *testing.T, cfg *config.Config) *handlers.APIHandler {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	cfg.DBDriver = config.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "state.db")
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	backend, err := database.Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(backend.Close)

	store, err := mediastore.New(afero.NewMemMapFs(), "/media")
	if err != nil {
		t.Fatal(err)
	}
	retention := service.NewRetentionPolicy(backend.Repos.Items, store, logger)
	coord := service.NewCoordinator(backend.Repos, retention, service.JobOptions{MaxAttempts: 1}, logger)
	control := service.NewControlService(coord, backend.Repos, retention, nil, nil, logger)

	return handlers.NewAPIHandler(
		handlers.NewHealthHandler(backend.Ready),
		control,
		service.NewSourceService(backend.Repos, logger),
		logger,
	)
}

func newTestAuth(t *testing.T) (*middleware.JWTAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatalf("keyfunc: %v", err)
	}
	return middleware.NewJWTAuthWithKeyfunc(kf, 0, testLogger()), key
}

func signToken(t *testing.T, key *rsa.PrivateKey, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   "svc-1",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRouter_WithoutAuth(t *testing.T) {
	cfg := &config.Config{WriteScope: "chankeeper:write"}
	router := NewRouter(cfg, testLogger(), newTestHandler(t, cfg), nil)

	tests := []struct {
		method string
		path   string
		body   string
		code   int
	}{
		{http.MethodGet, "/health/live", "", http.StatusOK},
		{http.MethodGet, "/health/ready", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/v1/sources", "", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/download/status", "", http.StatusNotFound},
		{http.MethodPost, "/api/v1/jobs/download/trigger", `{"source_id":1}`, http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.code {
				t.Errorf("код ответа: хотели %d, получили %d", tt.code, rr.Code)
			}
		})
	}
}

func TestRouter_WithAuth(t *testing.T) {
	cfg := &config.Config{WriteScope: "chankeeper:write"}
	auth, key := newTestAuth(t)
	router := NewRouter(cfg, testLogger(), newTestHandler(t, cfg), auth)

	readToken := signToken(t, key, "openid")
	writeToken := signToken(t, key, "openid chankeeper:write")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		code   int
	}{
		{"health без токена", http.MethodGet, "/health/live", "", http.StatusOK},
		{"metrics без токена", http.MethodGet, "/metrics", "", http.StatusOK},
		{"API без токена", http.MethodGet, "/api/v1/sources", "", http.StatusUnauthorized},
		{"чтение с токеном", http.MethodGet, "/api/v1/sources", readToken, http.StatusOK},
		{"запись без scope", http.MethodPost, "/api/v1/jobs/download/pause", readToken, http.StatusForbidden},
		{"запись со scope", http.MethodPost, "/api/v1/jobs/download/pause", writeToken, http.StatusNotFound},
		{"расписание без scope", http.MethodPut, "/api/v1/jobs/download/schedule", readToken, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{}`))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.code {
				t.Errorf("код ответа: хотели %d, получили %d (%s)", tt.code, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestNew_WriteTimeout(t *testing.T) {
	cfg := &config.Config{Port: 18080, HTTPWriteTimeout: 45 * time.Minute, ShutdownTimeout: time.Second}
	srv := New(cfg, testLogger(), newTestHandler(t, cfg), nil)

	if srv.httpServer.Addr != ":18080" {
		t.Errorf("Addr = %s, ожидается :18080", srv.httpServer.Addr)
	}
	if srv.httpServer.WriteTimeout != 45*time.Minute {
		t.Errorf("WriteTimeout = %v, ожидается 45m", srv.httpServer.WriteTimeout)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := &config.Config{Port: 0, ShutdownTimeout: time.Second}
	srv := New(cfg, testLogger(), newTestHandler(t, cfg), nil)
	srv.httpServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run вернул ошибку: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run не завершился после отмены контекста")
	}
}
