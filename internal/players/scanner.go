package players

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/net/html"

	"github.com/uthgardwatch/herald-sentinel/internal/detect"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/fetch"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
)

const defaultGap = 300 * time.Millisecond

// Scanner polls each tracked player's profile page sequentially and raises
// activity alerts when lifetime realm points advance past the configured
// gates.
type Scanner struct {
	KV      kv.Store
	Log     logr.Logger
	Fetcher *fetch.Fetcher
	Sender  *discord.Sender
	Roster  *Roster

	// Webhooks is the players channel endpoint list.
	Webhooks []string

	// SessionWindow is the rp:active TTL; BigDelta bypasses an active
	// session; RepingWindow is the heartbeat re-notify gap.
	SessionWindow time.Duration
	BigDelta      int64
	RepingWindow  time.Duration

	// Gap paces profile fetches.
	Gap time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewScanner wires a scanner with production pacing.
func NewScanner(store kv.Store, log logr.Logger, fetcher *fetch.Fetcher, sender *discord.Sender, roster *Roster) *Scanner {
	return &Scanner{
		KV:            store,
		Log:           log,
		Fetcher:       fetcher,
		Sender:        sender,
		Roster:        roster,
		SessionWindow: 30 * time.Minute,
		BigDelta:      500,
		RepingWindow:  10 * time.Minute,
		Gap:           defaultGap,
		now:           time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// ScanStats summarizes one roster pass.
type ScanStats struct {
	Scanned  int
	Notified int
	Failed   int
}

// Scan walks the roster sequentially with an inter-request gap. One player's
// failure never aborts the rest.
func (s *Scanner) Scan(ctx context.Context) ScanStats {
	var stats ScanStats
	for i, p := range s.Roster.All() {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			s.sleep(ctx, s.Gap)
		}
		stats.Scanned++
		metrics.PlayersScannedTotal.Add(ctx, 1)

		notified, err := s.checkPlayer(ctx, p)
		if err != nil {
			stats.Failed++
			s.Log.Error(err, "player scan failed", "player", p.ID)
			continue
		}
		if notified {
			stats.Notified++
		}
	}
	return stats
}

// checkPlayer fetches the profile and advances the per-player state machine.
func (s *Scanner) checkPlayer(ctx context.Context, p Player) (bool, error) {
	body, err := s.Fetcher.FetchRaw(ctx, p.URL)
	if err != nil {
		return false, fmt.Errorf("fetch profile: %w", err)
	}
	rp, ok := ParseRealmPoints(body)
	if !ok {
		return false, fmt.Errorf("no realm points found on profile")
	}
	return s.Observe(ctx, p, rp)
}

// Observe applies one realm-point reading. Exported so the admin simulate
// path drives the exact production transition logic.
func (s *Scanner) Observe(ctx context.Context, p Player, rp int64) (bool, error) {
	log := s.Log.WithValues("player", p.ID, "rp", rp)

	raw, ok, err := s.KV.Get(ctx, detect.KeyRP(p.ID))
	if err != nil {
		return false, fmt.Errorf("read rp baseline: %w", err)
	}
	if !ok {
		s.put(ctx, detect.KeyRP(p.ID), strconv.FormatInt(rp, 10), 0)
		return false, nil
	}
	baseline, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		baseline = 0
	}

	switch {
	case rp < baseline:
		// Leaderboard rollover: reset everything, no alert.
		log.Info("rp rollover, resetting baseline", "baseline", baseline)
		s.put(ctx, detect.KeyRP(p.ID), strconv.FormatInt(rp, 10), 0)
		s.delete(ctx, detect.KeyRPActive(p.ID))
		s.delete(ctx, detect.KeyRPLast(p.ID))
		return false, nil

	case rp == baseline:
		return false, nil
	}

	delta := rp - baseline
	// The baseline always advances, alert or not.
	defer s.put(ctx, detect.KeyRP(p.ID), strconv.FormatInt(rp, 10), 0)

	if !s.shouldNotify(ctx, p.ID, delta) {
		return false, nil
	}

	sent, err := s.Sender.Send(ctx, discord.ChannelPlayers, s.Webhooks, []discord.Embed{PlayerEmbed(p, delta, s.now())})
	if err != nil || sent == 0 {
		return false, fmt.Errorf("deliver player alert: %w", err)
	}

	s.put(ctx, detect.KeyRPActive(p.ID), "1", s.SessionWindow)
	s.put(ctx, detect.KeyRPLast(p.ID), strconv.FormatInt(s.now().UnixMilli(), 10), time.Hour)
	metrics.PlayerAlertsSentTotal.Add(ctx, 1)
	log.Info("player active", "delta", delta)
	return true, nil
}

// shouldNotify gates the alert: no active session, a big delta, or an
// elapsed heartbeat window all pass.
func (s *Scanner) shouldNotify(ctx context.Context, playerID string, delta int64) bool {
	_, active, err := s.KV.Get(ctx, detect.KeyRPActive(playerID))
	if err != nil || !active {
		return true
	}
	if delta >= s.BigDelta {
		return true
	}
	raw, ok, err := s.KV.Get(ctx, detect.KeyRPLast(playerID))
	if err != nil || !ok {
		return true
	}
	lastMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return s.now().Sub(time.UnixMilli(lastMs)) > s.RepingWindow
}

// PlayerEmbed renders the activity notification payload.
func PlayerEmbed(p Player, delta int64, at time.Time) discord.Embed {
	return discord.Embed{
		Title:       fmt.Sprintf("🟢 %s is active", p.Name),
		Description: fmt.Sprintf("+%d RPs gained", delta),
		Color:       p.Realm.Color(),
		Timestamp:   at.UTC().Format(time.RFC3339),
		Footer:      &discord.EmbedFooter{Text: "Uthgard Herald"},
	}
}

// ParseRealmPoints extracts the lifetime realm-point total: the right cell
// of the first table row whose left cell normalizes to "realm points".
func ParseRealmPoints(data []byte) (int64, bool) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return 0, false
	}

	var result int64
	found := false
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, cellText(c))
				}
			}
			if len(cells) >= 2 {
				label := strings.ReplaceAll(strings.ToLower(cells[0]), " ", "")
				label = strings.TrimSuffix(label, ":")
				if label == "realmpoints" {
					if v, ok := digitsOnly(cells[1]); ok {
						result, found = v, true
						return
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(doc)
	return result, found
}

func cellText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			rec(gc)
		}
	}
	rec(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// digitsOnly parses a cell like "1,234,567" keeping digits only. A cell
// with no digits means "no RP found".
func digitsOnly(s string) (int64, bool) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Scanner) put(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.KV.Put(ctx, key, value, ttl); err != nil {
		s.Log.Error(err, "kv put failed", "key", key)
	}
}

func (s *Scanner) delete(ctx context.Context, key string) {
	if err := s.KV.Delete(ctx, key); err != nil {
		s.Log.Error(err, "kv delete failed", "key", key)
	}
}
