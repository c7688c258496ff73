package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"parley.chat/internal/action"
	"parley.chat/internal/auth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.HTTP.Addr)
	}
	if cfg.Flood.Horizon != 5*time.Second || cfg.Flood.Threshold != 5 {
		t.Errorf("unexpected flood defaults: %+v", cfg.Flood)
	}

	rules, err := cfg.RateLimitRules()
	if err != nil {
		t.Fatalf("RateLimitRules: %v", err)
	}
	if len(rules) != len(action.All()) {
		t.Errorf("expected a rule for every action, got %d", len(rules))
	}
	if r := rules[action.Login]; r.Limit != 10 || r.Window != 15*time.Minute {
		t.Errorf("unexpected login rule: %+v", r)
	}
	if r := rules[action.RoomSecretValidate]; r.Limit != 10 || r.Window != 15*time.Minute {
		t.Errorf("unexpected room secret rule: %+v", r)
	}

	table, err := cfg.QuotaTable()
	if err != nil {
		t.Fatalf("QuotaTable: %v", err)
	}
	if l, ok := table.Lookup(auth.RoleElevated, action.AdminBan); !ok || l.Count != 20 || l.Period != 24*time.Hour {
		t.Errorf("unexpected elevated ban quota: %+v ok=%v", l, ok)
	}
	if _, ok := table.Lookup(auth.RoleSuperelevated, action.AdminBan); ok {
		t.Errorf("superelevated must not have quotas by default")
	}
}

func TestLoadFileOverridesSingleEntry(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: "127.0.0.1:9000"
rate_limits:
  admin_ban:
    limit: 3
quotas:
  elevated:
    admin_room_lock:
      count: 2
      period: 1h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Errorf("expected file addr, got %s", cfg.HTTP.Addr)
	}
	rules, _ := cfg.RateLimitRules()
	if r := rules[action.AdminBan]; r.Limit != 3 || r.Window != time.Minute {
		t.Errorf("expected limit override with default window, got %+v", r)
	}
	table, _ := cfg.QuotaTable()
	if l, _ := table.Lookup(auth.RoleElevated, action.AdminRoomLock); l.Count != 2 || l.Period != time.Hour {
		t.Errorf("unexpected room lock quota: %+v", l)
	}
	if l, _ := table.Lookup(auth.RoleElevated, action.AdminBan); l.Count != 20 {
		t.Errorf("untouched quota should keep its default, got %+v", l)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PARLEY_LOG_LEVEL", "debug")
	t.Setenv("PARLEY_RATE_LIMITS_LOGIN_LIMIT", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug from env, got %s", cfg.Log.Level)
	}
	rules, _ := cfg.RateLimitRules()
	if rules[action.Login].Limit != 4 {
		t.Errorf("expected login limit 4 from env, got %d", rules[action.Login].Limit)
	}
	if cfg.LogOptions().Level != "debug" {
		t.Errorf("LogOptions did not carry the level")
	}
}

func TestLoadRejectsUnknownAction(t *testing.T) {
	path := writeConfig(t, `
rate_limits:
  admin_nuke:
    limit: 1
    window: 1m
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadRejectsNonPositiveQuota(t *testing.T) {
	path := writeConfig(t, `
quotas:
  elevated:
    admin_ban:
      count: 0
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
