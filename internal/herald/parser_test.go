package herald

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const warmapFixture = `<html><body>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Caer Benowyc<br>Level 4 Keep<br>Clan Cats<br><img src="/img/underattack.gif"></div>
  <img src="emblems/cats.png" alt="guild emblem">
</div>
<div class="keepinfo keepinfo_alb">
  <div class="keepheader">Dun Crauchon<br>Level 1 Keep</div>
</div>
<div class="keepinfo keepinfo_relic_hib">
  <div class="keepheader">Grallarhorn Relic Keep<br>Level 10 Keep</div>
</div>
<table class="events">
<tr><td>2m ago</td><td>Caer Benowyc is under attack!</td></tr>
<tr><td>5m ago</td><td>Dun Crauchon was captured by Midgard led by Ragnar.</td></tr>
<tr><td>5m ago</td><td>Bledmeer Faste has been claimed by Clan Wolf.</td></tr>
<tr><td>3h ago</td><td>Dun Crauchon is under attack!</td></tr>
<tr><td>just now</td><td>not a recognized age</td></tr>
</table>
<div class="darkness"><img src="/img/df_mid.gif" alt="Midgard"></div>
</body></html>`

func TestParseWarmap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap, err := Parse([]byte(warmapFixture), ParseOptions{
		Now:     now,
		BaseURL: "https://herald.example.com/warmap",
	})
	require.NoError(t, err)
	require.Len(t, snap.Keeps, 3)

	benowyc := snap.KeepByID("caer-benowyc")
	require.NotNil(t, benowyc)
	assert.Equal(t, "Caer Benowyc", benowyc.Name)
	assert.Equal(t, Midgard, benowyc.Owner)
	assert.Equal(t, TypeKeep, benowyc.Type)
	assert.Equal(t, 4, benowyc.Level)
	assert.Equal(t, "Clan Cats", benowyc.ClaimedBy)
	assert.True(t, benowyc.HeaderUnderAttack, "banner image is on the allowlist")
	assert.True(t, benowyc.UnderAttack)
	assert.Equal(t, "https://herald.example.com/emblems/cats.png", benowyc.EmblemURL)
	require.NotNil(t, benowyc.LastEvent)
	assert.Equal(t, now.Add(-2*time.Minute), *benowyc.LastEvent)

	crauchon := snap.KeepByID("dun-crauchon")
	require.NotNil(t, crauchon)
	assert.Equal(t, Albion, crauchon.Owner)
	assert.Empty(t, crauchon.ClaimedBy)
	assert.False(t, crauchon.HeaderUnderAttack)
	assert.False(t, crauchon.UnderAttack, "a 3h old attack event is outside the window")

	relic := snap.KeepByID("grallarhorn-relic-keep")
	require.NotNil(t, relic)
	assert.Equal(t, TypeRelic, relic.Type)
	assert.Equal(t, Hibernia, relic.Owner)

	assert.Equal(t, Midgard, snap.DFOwner)
}

func TestParseWarmapEvents(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap, err := Parse([]byte(warmapFixture), ParseOptions{Now: now})
	require.NoError(t, err)

	// The unparseable-age row is dropped.
	require.Len(t, snap.Events, 4)

	// Newest first.
	for i := 1; i < len(snap.Events); i++ {
		assert.False(t, snap.Events[i].At.After(snap.Events[i-1].At))
	}

	ua := snap.Events[0]
	assert.Equal(t, EventUnderAttack, ua.Kind)
	assert.Equal(t, "caer-benowyc", ua.KeepID)
	assert.Equal(t, "2m ago", ua.Age)
	assert.Equal(t, now.Add(-2*time.Minute), ua.At)

	captured := snap.Events[1]
	assert.Equal(t, EventCaptured, captured.Kind)
	assert.Equal(t, "dun-crauchon", captured.KeepID)
	assert.Equal(t, "Dun Crauchon", captured.KeepName)
	assert.Equal(t, Midgard, captured.NewOwner)
	assert.Equal(t, "Ragnar", captured.Leader)
	assert.Equal(t, now.Add(-5*time.Minute), captured.At)

	// Second row in the same 5m bucket is spread one minute older.
	claimed := snap.Events[2]
	assert.Equal(t, EventClaimed, claimed.Kind)
	assert.Equal(t, "bledmeer-faste", claimed.KeepID)
	assert.Equal(t, "Clan Wolf", claimed.Leader)
	assert.Equal(t, now.Add(-6*time.Minute), claimed.At)

	old := snap.Events[3]
	assert.Equal(t, EventUnderAttack, old.Kind)
	assert.Equal(t, now.Add(-3*time.Hour), old.At)
}

func TestParseHashIdempotent(t *testing.T) {
	a, err := Parse([]byte(warmapFixture), ParseOptions{Now: time.Now()})
	require.NoError(t, err)
	b, err := Parse([]byte(warmapFixture), ParseOptions{Now: time.Now().Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash(), "reparsing identical HTML must hash equal")
}

func TestParseEmptyDocument(t *testing.T) {
	snap, err := Parse([]byte("<html><body><p>maintenance</p></body></html>"), ParseOptions{})
	require.NoError(t, err)
	assert.Empty(t, snap.Keeps)
	assert.Empty(t, snap.Events)
	assert.Equal(t, Midgard, snap.DFOwner, "DF owner defaults when no panel is found")
}

func TestParseBannerNotFooledBySubstring(t *testing.T) {
	doc := `<div class="keepinfo keepinfo_alb">
	  <div class="keepheader">Caer Hurbury<br><img src="/img/underlay_bg.png"></div>
	</div>`
	snap, err := Parse([]byte(doc), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, snap.Keeps, 1)
	assert.False(t, snap.Keeps[0].HeaderUnderAttack,
		"a filename merely containing 'under' is not a siege banner")
}

func TestParseAge(t *testing.T) {
	cases := []struct {
		in  string
		dur time.Duration
		ok  bool
	}{
		{"2m ago", 2 * time.Minute, true},
		{"3h ago", 3 * time.Hour, true},
		{"1d ago", 24 * time.Hour, true},
		{"10 minutes ago", 10 * time.Minute, true},
		{"just now", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		dur, ok := parseAge(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.dur, dur, c.in)
		}
	}
}
