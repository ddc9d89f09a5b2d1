package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "https://herald.example.com/warmap")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://herald.example.com/warmap", cfg.WarmapURL)
	assert.Equal(t, 7*time.Minute, cfg.AttackWindow)
	assert.Equal(t, 12*time.Minute, cfg.CaptureWindow)
	assert.Equal(t, 30*time.Minute, cfg.SessionWindow)
	assert.Equal(t, int64(500), cfg.BigDelta)
	assert.Equal(t, 10*time.Minute, cfg.RepingWindow)
	assert.False(t, cfg.StrictDelivery)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "herald", cfg.KVNamespace)
	assert.Equal(t, "Uthgard Herald", cfg.BotUsername)
	assert.Empty(t, cfg.UAWebhooks)
	assert.Nil(t, cfg.RosterError)
}

func TestLoadRequiresWarmapURL(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HERALD_WARMAP_URL")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "https://herald.example.com/warmap")
	t.Setenv("ATTACK_WINDOW_MIN", "5")
	t.Setenv("CAPTURE_WINDOW_MIN", "15")
	t.Setenv("STRICT_DELIVERY", "1")
	t.Setenv("UA_WEBHOOK_URLS", "https://a.example/hook, https://b.example/hook,")
	t.Setenv("BOT_USERNAME", "Test Herald")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AttackWindow)
	assert.Equal(t, 15*time.Minute, cfg.CaptureWindow)
	assert.True(t, cfg.StrictDelivery)
	assert.Equal(t, []string{"https://a.example/hook", "https://b.example/hook"}, cfg.UAWebhooks)
	assert.Equal(t, "Test Herald", cfg.BotUsername)
}

func TestLoadTrackedPlayers(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "https://herald.example.com/warmap")
	t.Setenv("TRACKED_PLAYERS", `[{"id":"ragnar","name":"Ragnar","realm":"mid","url":"https://herald.example.com/p/ragnar"}]`)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.TrackedPlayers, 1)
	assert.Equal(t, "ragnar", cfg.TrackedPlayers[0].ID)
	assert.Nil(t, cfg.RosterError)
}

func TestLoadMalformedRosterIsNotFatal(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "https://herald.example.com/warmap")
	t.Setenv("TRACKED_PLAYERS", `{not json`)

	cfg, err := Load()
	require.NoError(t, err, "keep alerting must continue on a bad roster")
	assert.Empty(t, cfg.TrackedPlayers)
	assert.Error(t, cfg.RosterError)
}

func TestLoadRejectsNonPositiveWindows(t *testing.T) {
	t.Setenv("HERALD_WARMAP_URL", "https://herald.example.com/warmap")
	t.Setenv("ATTACK_WINDOW_MIN", "0")
	_, err := Load()
	assert.Error(t, err)
}
