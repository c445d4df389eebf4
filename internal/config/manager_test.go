package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `telegram:
  token: "123:abc"
  game_group_id: -1001
  owner_user_ids: [11, 22]
  poll_timeout: "10s"
logging:
  level: "info"
  console: true
storage:
  path: "./bot.db"
catalog:
  url: "https://example.com/missions.json"
  refresh_interval: "6h"
dispatch:
  enabled: true
  sweep_interval: "1m"
arena:
  entry_fee: 1000
  lobby_duration: "60s"
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.GameGroupID != -1001 {
		t.Fatalf("game_group_id = %d", cfg.Telegram.GameGroupID)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 22 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Arena.EntryFee != 1000 {
		t.Fatalf("entry_fee = %d", cfg.Arena.EntryFee)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram": {"token": "t", "game_group_id": 5}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Telegram.GameGroupID != 5 {
		t.Fatalf("cfg: %+v", cfg.Telegram)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml",
		"telegram:\n  token: \"t\"\n  game_grp_id: 5\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("typo field must be rejected")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram": {"token": "t"}} {"extra": true}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{" 5m ", 5 * time.Minute, false},
		{"1h30m", 90 * time.Minute, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("f", "", time.Minute)
	if err != nil || got != time.Minute {
		t.Fatalf("empty: %v, %v", got, err)
	}
	got, err = ParseDurationOrDefault("f", "10s", time.Minute)
	if err != nil || got != 10*time.Second {
		t.Fatalf("set: %v, %v", got, err)
	}
	if _, err := ParseDurationOrDefault("f", "nope", time.Minute); err == nil {
		t.Fatal("invalid duration must error")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received the wrong config")
		}
	default:
		t.Fatal("subscriber did not receive the published config")
	}

	// A full buffer gets drained so the latest config still lands.
	m.publish(&Config{})
	latest := &Config{Telegram: TelegramConfig{Token: "latest"}}
	m.publish(latest)
	select {
	case got := <-ch:
		if got.Telegram.Token != "latest" {
			t.Fatalf("stale config survived: %+v", got.Telegram)
		}
	default:
		t.Fatal("latest config was dropped")
	}
}
