package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_INT", "42")
	got := intEnv("RELAYDESK_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_INT_BAD", "not-a-number")
	got := intEnv("RELAYDESK_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_DURATION", "150ms")
	got := durationEnv("RELAYDESK_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_DURATION_BAD", "soon")
	got := durationEnv("RELAYDESK_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("RELAYDESK_TEST_INT_UNSET")
	_ = os.Unsetenv("RELAYDESK_TEST_DURATION_UNSET")

	if got := intEnv("RELAYDESK_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("RELAYDESK_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestSessionTimeoutEnv(t *testing.T) {
	cases := map[string]time.Duration{
		"":    30 * time.Minute,
		"5":   5 * time.Minute,
		"0":   30 * time.Minute,
		"-3":  30 * time.Minute,
		"abc": 30 * time.Minute,
	}
	for raw, want := range cases {
		t.Setenv("RELAYDESK_TEST_TIMEOUT", raw)
		if got := sessionTimeoutEnv("RELAYDESK_TEST_TIMEOUT"); got != want {
			t.Fatalf("%q: expected %s, got %s", raw, want, got)
		}
	}
}

func TestListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("RELAYDESK_TEST_LIST", " a.example.com ,, b.example.com")
	got := listEnv("RELAYDESK_TEST_LIST")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("RELAYDESK_ADDR", ":9000")
	t.Setenv("RELAYDESK_INBOUND_WORKERS", "2")
	t.Setenv("RELAYDESK_SESSION_TIMEOUT_MINUTES", "10")

	cfg, err := loadConfig([]string{"--addr", ":9100", "--session-timeout", "45m"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("expected flag addr, got %s", cfg.Addr)
	}
	if cfg.InboundWorkers != 2 {
		t.Fatalf("expected env workers 2, got %d", cfg.InboundWorkers)
	}
	if cfg.SessionTimeout != 45*time.Minute {
		t.Fatalf("expected flag timeout 45m, got %s", cfg.SessionTimeout)
	}
	if cfg.InitialState != "WELCOME" {
		t.Fatalf("expected default initial state, got %s", cfg.InitialState)
	}
}

func TestLoadConfigLeavesSweeperOffByDefault(t *testing.T) {
	t.Setenv("RELAYDESK_SWEEP_INTERVAL", "")

	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("expected sweeper disabled by default, got %s", cfg.SweepInterval)
	}

	cfg, err = loadConfig([]string{"--sweep-interval", "2m"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.SweepInterval != 2*time.Minute {
		t.Fatalf("expected 2m sweep interval, got %s", cfg.SweepInterval)
	}
}

func TestLoadConfigRejectsNonPositiveTimeoutFlag(t *testing.T) {
	if _, err := loadConfig([]string{"--session-timeout", "0s"}); err == nil {
		t.Fatalf("expected error for zero session timeout")
	}
}

func TestBuildAppServesHealthWithDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := buildApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBuildAppUsesFlowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	flow := "initial: START\nstates: [START, END]\ntransitions:\n  START: [END]\n"
	if err := os.WriteFile(path, []byte(flow), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}
	cfg, err := loadConfig([]string{"--flow-file", path})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	a, err := buildApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close()
	if a.watcher == nil || a.watcher.Flow().Initial() != "START" {
		t.Fatalf("expected flow file to be loaded")
	}
}

func TestBuildAppRejectsUnknownInitialState(t *testing.T) {
	cfg, err := loadConfig([]string{"--initial-state", "NOWHERE"})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := buildApp(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown initial state")
	}
}

func TestRunTokenPrintsSignedToken(t *testing.T) {
	t.Setenv("RELAYDESK_JWT_SECRET", "test-secret")
	var out bytes.Buffer
	if err := runToken([]string{"--tenant", "t1", "--agent", "Ana"}, &out); err != nil {
		t.Fatalf("run token: %v", err)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), claims, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims["tenant_id"] != "t1" || claims["agent_name"] != "Ana" {
		t.Fatalf("unexpected claims: %v", claims)
	}
}

func TestRunTokenRequiresTenantAndAgent(t *testing.T) {
	t.Setenv("RELAYDESK_TENANT", "")
	if err := runToken([]string{"--agent", "Ana"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without tenant")
	}
}
