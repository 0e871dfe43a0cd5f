package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/labresults/lims/internal/config"
	"github.com/labresults/lims/internal/platform/auth"
	"github.com/labresults/lims/internal/platform/middleware"
	"github.com/labresults/lims/internal/platform/notification"
)

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := newLogger("production", tt.in).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func testServerConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		JWTSecret:      "test-secret-test-secret-test-secret",
		FrontendURL:    "http://localhost:3000",
		LabName:        "Laboratorio Test",
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		BodyLimit:      "1M",
	}
}

func TestNewServer_Routes(t *testing.T) {
	cfg := testServerConfig()
	cfg.ResultsTokenSecret = cfg.JWTSecret
	e, err := newServer(serverDeps{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		sender:  &notification.MockEmailSender{},
		revoked: auth.NewMemoryRevocationStore(),
	})
	if err != nil {
		t.Fatal(err)
	}

	registered := map[string]bool{}
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /health/db",
		"POST /api/v1/auth/login",
		"POST /api/v1/auth/logout",
		"GET /api/v1/auth/me",
		"POST /api/v1/exams",
		"GET /api/v1/exams",
		"GET /api/v1/exams/:id",
		"PUT /api/v1/exams/:id",
		"DELETE /api/v1/exams/:id",
		"POST /api/v1/exams/generate-results-token",
		"POST /api/v1/exams/send-results",
		"PUT /api/v1/exams/update-message-status/:id",
		"GET /api/v1/results/:token",
		"POST /api/v1/results/:token/read",
		"GET /api/v1/examination-types",
		"GET /api/v1/examination-types/:id",
		"GET /api/v1/users",
		"POST /api/v1/users/:id/resend-invitation",
		"GET /api/v1/ws",
	} {
		if !registered[want] {
			t.Errorf("route %s not registered", want)
		}
	}
}

func TestNewServer_Guards(t *testing.T) {
	e, err := newServer(serverDeps{
		cfg:     testServerConfig(),
		logger:  zerolog.Nop(),
		sender:  &notification.MockEmailSender{},
		revoked: auth.NewMemoryRevocationStore(),
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/v1/exams", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/examination-types", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/results/not-a-token", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/ws?access_token=bogus", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/exams?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.code, rec.Code)
		}
		if rec.Header().Get(middleware.RequestIDHeader) == "" {
			t.Errorf("%s %s: missing request id header", tt.method, tt.path)
		}
	}
}
