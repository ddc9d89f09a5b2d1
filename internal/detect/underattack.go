package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/uthgardwatch/herald-sentinel/internal/alertqueue"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
)

// UADetector raises one alert per siege per keep: a banner-driven primary
// path and an event-driven fallback for sieges the banner never showed.
type UADetector struct {
	KV      kv.Store
	Log     logr.Logger
	Windows Windows
}

// UAStats summarizes one detector pass for the tick log line.
type UAStats struct {
	Enqueued int
	Skipped  int
	Cleared  int
}

// Run walks the snapshot and enqueues UA alerts. Per-keep failures are
// logged and do not abort the pass.
func (d *UADetector) Run(ctx context.Context, snap *herald.Snapshot, q *alertqueue.Queue) UAStats {
	var stats UAStats
	for i := range snap.Keeps {
		d.runBanner(ctx, snap, &snap.Keeps[i], &stats, q)
	}
	d.runFallback(ctx, snap, &stats, q)
	return stats
}

// runBanner drives the per-keep banner state machine persisted in
// ua:state:{id}: a timestamp while the banner is on, "0" when off.
func (d *UADetector) runBanner(ctx context.Context, snap *herald.Snapshot, keep *herald.Keep, stats *UAStats, q *alertqueue.Queue) {
	log := d.Log.WithValues("keep", keep.ID)
	curr := keep.HeaderUnderAttack

	state, ok, err := d.KV.Get(ctx, KeyUAState(keep.ID))
	if err != nil {
		log.Error(err, "read ua state")
		return
	}
	active := ok && state != "0"

	if curr && d.suppressed(ctx, keep.ID) {
		// Banner flap right after a capture: force the session off and
		// never notify.
		d.clearSession(ctx, keep.ID)
		stats.Skipped++
		metrics.UAAlertsSkippedTotal.Add(ctx, 1)
		return
	}

	switch {
	case curr && !active:
		if d.risingEdge(ctx, snap, keep, q) {
			stats.Enqueued++
		} else {
			stats.Skipped++
			metrics.UAAlertsSkippedTotal.Add(ctx, 1)
		}

	case curr && active:
		// Still flaming: refresh TTLs, never re-notify. A session that lost
		// its start stamp (crash between claim and stamp) stays silent; one
		// missed alert beats a duplicate.
		d.putState(ctx, keep.ID, snap.UpdatedAt)
		d.refreshSession(ctx, keep.ID)

	case !curr && active:
		// Falling edge.
		d.put(ctx, KeyUAState(keep.ID), "0", d.Windows.Siege())
		d.delete(ctx, KeyUASession(keep.ID))
		stats.Cleared++
	}
}

// risingEdge claims the minute bucket and enqueues one alert if no session
// or minute gate is already set. Returns whether an alert was enqueued.
func (d *UADetector) risingEdge(ctx context.Context, snap *herald.Snapshot, keep *herald.Keep, q *alertqueue.Queue) bool {
	log := d.Log.WithValues("keep", keep.ID)
	stamp := MinuteStamp(snap.UpdatedAt)

	won, err := d.KV.SetNX(ctx, KeyUAClaim(keep.ID, stamp), "1", ClaimTTL)
	if err != nil {
		log.Error(err, "ua claim")
		return false
	}
	if !won {
		return false
	}
	if d.exists(ctx, KeyUASession(keep.ID)) || d.exists(ctx, KeyUAMinute(keep.ID, stamp)) {
		return false
	}

	keepID := keep.ID
	at := snap.UpdatedAt
	q.Enqueue(alertqueue.Alert{
		Channel: discord.ChannelUA,
		Embed:   UAEmbed(keep, at),
		Commit: func(ctx context.Context) error {
			d.put(ctx, KeyUASession(keepID), "1", d.Windows.Siege())
			d.put(ctx, KeyUAMinute(keepID, stamp), "1", UAMinuteTTL)
			d.putState(ctx, keepID, at)
			metrics.UAAlertsSentTotal.Add(ctx, 1)
			return nil
		},
		Rollback: func(ctx context.Context) error {
			return d.KV.Delete(ctx, KeyUAClaim(keepID, stamp))
		},
	})
	log.Info("under-attack rising edge", "stamp", stamp)
	return true
}

// runFallback handles UA event rows whose keep shows no banner. The
// nobanner stamp keeps the same siege from re-firing off later rows.
func (d *UADetector) runFallback(ctx context.Context, snap *herald.Snapshot, stats *UAStats, q *alertqueue.Queue) {
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.Kind != herald.EventUnderAttack || ev.KeepID == "" {
			continue
		}
		if snap.UpdatedAt.Sub(ev.At) > d.Windows.Attack {
			continue
		}
		// A keep missing from the panel grid still gets an alert: the
		// event row is the only evidence this fallback will ever see.
		keep := snap.KeepByID(ev.KeepID)
		if keep != nil && keep.HeaderUnderAttack {
			continue
		}
		if d.suppressed(ctx, ev.KeepID) || d.exists(ctx, KeyUANoBanner(ev.KeepID)) {
			stats.Skipped++
			metrics.UAAlertsSkippedTotal.Add(ctx, 1)
			continue
		}

		stamp := MinuteStamp(ev.At)
		won, err := d.KV.SetNX(ctx, KeyUAClaim(ev.KeepID, stamp), "1", ClaimTTL)
		if err != nil || !won {
			stats.Skipped++
			metrics.UAAlertsSkippedTotal.Add(ctx, 1)
			continue
		}
		if d.exists(ctx, KeyUASession(ev.KeepID)) || d.exists(ctx, KeyUAMinute(ev.KeepID, stamp)) {
			stats.Skipped++
			metrics.UAAlertsSkippedTotal.Add(ctx, 1)
			continue
		}

		keepID := ev.KeepID
		at := ev.At
		embed := UAEventEmbed(ev.KeepName, at)
		if keep != nil {
			embed = UAEmbed(keep, at)
		}
		q.Enqueue(alertqueue.Alert{
			Channel: discord.ChannelUA,
			Embed:   embed,
			Commit: func(ctx context.Context) error {
				d.put(ctx, KeyUASession(keepID), "1", d.Windows.Siege())
				d.put(ctx, KeyUAMinute(keepID, stamp), "1", UAMinuteTTL)
				d.put(ctx, KeyUANoBanner(keepID), "1", d.Windows.Siege())
				d.putState(ctx, keepID, at)
				metrics.UAAlertsSentTotal.Add(ctx, 1)
				return nil
			},
			Rollback: func(ctx context.Context) error {
				return d.KV.Delete(ctx, KeyUAClaim(keepID, stamp))
			},
		})
		stats.Enqueued++
		d.Log.Info("under-attack event without banner", "keep", keepID, "stamp", stamp)
	}
}

// UAEmbed renders the under-attack notification payload.
func UAEmbed(keep *herald.Keep, at time.Time) discord.Embed {
	e := discord.Embed{
		Title:     fmt.Sprintf("⚔️ %s is under attack!", keep.Name),
		Color:     keep.Owner.Color(),
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &discord.EmbedFooter{Text: "Uthgard Herald"},
		Fields: []discord.EmbedField{
			{Name: "Owner", Value: string(keep.Owner), Inline: true},
		},
	}
	if keep.Level > 0 {
		e.Fields = append(e.Fields, discord.EmbedField{
			Name: "Level", Value: strconv.Itoa(keep.Level), Inline: true,
		})
	}
	if keep.ClaimedBy != "" {
		e.Fields = append(e.Fields, discord.EmbedField{
			Name: "Claimed by", Value: keep.ClaimedBy, Inline: true,
		})
	}
	if keep.EmblemURL != "" {
		e.Thumbnail = &discord.EmbedThumbnail{URL: keep.EmblemURL}
	}
	return e
}

// UAEventEmbed renders a reduced under-attack payload for a siege known only
// from an event row, where no panel grid entry supplies owner or level.
func UAEventEmbed(keepName string, at time.Time) discord.Embed {
	return discord.Embed{
		Title:     fmt.Sprintf("⚔️ %s is under attack!", keepName),
		Color:     0x95a5a6,
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &discord.EmbedFooter{Text: "Uthgard Herald"},
	}
}

// ResetKeep clears all UA state for one keep. Admin surface.
func (d *UADetector) ResetKeep(ctx context.Context, keepID string) {
	d.delete(ctx, KeyUAState(keepID))
	d.delete(ctx, KeyUASession(keepID))
	d.delete(ctx, KeyUASuppress(keepID))
	d.delete(ctx, KeyUANoBanner(keepID))
}

// ResetAll clears UA state for every keep with any recorded state.
func (d *UADetector) ResetAll(ctx context.Context) int {
	n := 0
	for _, prefix := range []string{"ua:state:", "alert:ua:start:", "ua:suppress:", "alert:ua:nobanner:"} {
		keys, err := d.KV.List(ctx, prefix, 0)
		if err != nil {
			d.Log.Error(err, "list ua keys", "prefix", prefix)
			continue
		}
		for _, k := range keys {
			d.delete(ctx, k)
			n++
		}
	}
	return n
}

func (d *UADetector) suppressed(ctx context.Context, keepID string) bool {
	return d.exists(ctx, KeyUASuppress(keepID))
}

func (d *UADetector) clearSession(ctx context.Context, keepID string) {
	d.put(ctx, KeyUAState(keepID), "0", d.Windows.Siege())
	d.delete(ctx, KeyUASession(keepID))
}

func (d *UADetector) refreshSession(ctx context.Context, keepID string) {
	if d.exists(ctx, KeyUASession(keepID)) {
		d.put(ctx, KeyUASession(keepID), "1", d.Windows.Siege())
	}
}

func (d *UADetector) putState(ctx context.Context, keepID string, at time.Time) {
	d.put(ctx, KeyUAState(keepID), strconv.FormatInt(at.Unix(), 10), d.Windows.Siege())
}

func (d *UADetector) exists(ctx context.Context, key string) bool {
	_, ok, err := d.KV.Get(ctx, key)
	if err != nil {
		d.Log.Error(err, "kv get failed", "key", key)
		return false
	}
	return ok
}

func (d *UADetector) put(ctx context.Context, key, value string, ttl time.Duration) {
	if err := d.KV.Put(ctx, key, value, ttl); err != nil {
		d.Log.Error(err, "kv put failed", "key", key)
	}
}

func (d *UADetector) delete(ctx context.Context, key string) {
	if err := d.KV.Delete(ctx, key); err != nil {
		d.Log.Error(err, "kv delete failed", "key", key)
	}
}
