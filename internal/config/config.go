// Package config loads the pipeline configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TrackedPlayer is one entry of the TRACKED_PLAYERS roster.
type TrackedPlayer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Realm string `json:"realm"`
	URL   string `json:"url"`
}

// Config carries every recognized option. All fields come from environment
// variables; see Load for names and defaults.
type Config struct {
	WarmapURL string

	AttackWindow  time.Duration
	CaptureWindow time.Duration

	SessionWindow time.Duration
	BigDelta      int64
	RepingWindow  time.Duration

	StrictDelivery bool

	UAWebhooks      []string
	CaptureWebhooks []string
	PlayerWebhooks  []string

	TrackedPlayers []TrackedPlayer

	// RosterError records a malformed TRACKED_PLAYERS value. The scan is
	// skipped entirely but keep alerting proceeds.
	RosterError error

	RedisAddr   string
	KVNamespace string
	BotUsername string
}

// Load reads the environment once. HERALD_WARMAP_URL is required; all other
// options default.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ATTACK_WINDOW_MIN", 7)
	v.SetDefault("CAPTURE_WINDOW_MIN", 12)
	v.SetDefault("ACTIVITY_SESSION_MIN", 30)
	v.SetDefault("ACTIVITY_BIG_DELTA", 500)
	v.SetDefault("ACTIVITY_REPING_MIN", 10)
	v.SetDefault("STRICT_DELIVERY", 0)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("KV_NAMESPACE", "herald")
	v.SetDefault("BOT_USERNAME", "Uthgard Herald")

	cfg := &Config{
		WarmapURL:       v.GetString("HERALD_WARMAP_URL"),
		AttackWindow:    time.Duration(v.GetInt("ATTACK_WINDOW_MIN")) * time.Minute,
		CaptureWindow:   time.Duration(v.GetInt("CAPTURE_WINDOW_MIN")) * time.Minute,
		SessionWindow:   time.Duration(v.GetInt("ACTIVITY_SESSION_MIN")) * time.Minute,
		BigDelta:        v.GetInt64("ACTIVITY_BIG_DELTA"),
		RepingWindow:    time.Duration(v.GetInt("ACTIVITY_REPING_MIN")) * time.Minute,
		StrictDelivery:  v.GetInt("STRICT_DELIVERY") == 1,
		UAWebhooks:      splitList(v.GetString("UA_WEBHOOK_URLS")),
		CaptureWebhooks: splitList(v.GetString("CAPTURE_WEBHOOK_URLS")),
		PlayerWebhooks:  splitList(v.GetString("PLAYERS_WEBHOOK_URLS")),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		KVNamespace:     v.GetString("KV_NAMESPACE"),
		BotUsername:     v.GetString("BOT_USERNAME"),
	}

	if cfg.WarmapURL == "" {
		return nil, fmt.Errorf("HERALD_WARMAP_URL is required")
	}
	if cfg.AttackWindow <= 0 || cfg.CaptureWindow <= 0 {
		return nil, fmt.Errorf("attack and capture windows must be positive")
	}

	if raw := v.GetString("TRACKED_PLAYERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.TrackedPlayers); err != nil {
			cfg.TrackedPlayers = nil
			cfg.RosterError = fmt.Errorf("parse TRACKED_PLAYERS: %w", err)
		}
	}
	return cfg, nil
}

// splitList parses a comma-separated URL list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
