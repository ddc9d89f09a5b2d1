package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/uthgardwatch/herald-sentinel/internal/alertqueue"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
)

// CaptureDetector raises capture alerts along two cooperating paths: the
// authoritative ownership-rising-edge path, which advances the own:{id}
// baselines, and the recent-capture-event path, which catches captures the
// panel grid missed. Both share the same claim and dedupe keys.
type CaptureDetector struct {
	KV      kv.Store
	Log     logr.Logger
	Windows Windows
}

// CaptureStats summarizes one detector pass for the tick log line.
type CaptureStats struct {
	Enqueued int
	Seeded   int
	Advanced int
	Skipped  int
}

// Run executes the ownership path then the event path.
func (d *CaptureDetector) Run(ctx context.Context, snap *herald.Snapshot, q *alertqueue.Queue) CaptureStats {
	var stats CaptureStats
	for i := range snap.Keeps {
		d.runOwnership(ctx, snap, &snap.Keeps[i], &stats, q)
	}
	d.runEvents(ctx, snap, &stats, q)
	return stats
}

// runOwnership detects a baseline/owner mismatch for one keep. A flip
// without a fresh corroborating captured event advances the baseline
// silently: the grid alone is not trustworthy enough to notify on.
func (d *CaptureDetector) runOwnership(ctx context.Context, snap *herald.Snapshot, keep *herald.Keep, stats *CaptureStats, q *alertqueue.Queue) {
	log := d.Log.WithValues("keep", keep.ID)
	owner := string(keep.Owner)

	baseline, ok, err := d.KV.Get(ctx, KeyOwner(keep.ID))
	if err != nil {
		log.Error(err, "read owner baseline")
		return
	}
	if !ok {
		// First sighting: seed, never alert.
		d.put(ctx, KeyOwner(keep.ID), owner, 0)
		stats.Seeded++
		return
	}
	if baseline == owner {
		return
	}

	ev := d.corroboratingEvent(snap, keep.ID, keep.Owner)
	if ev == nil {
		log.Info("ownership flip without fresh capture event, advancing baseline",
			"prev", baseline, "curr", owner)
		d.put(ctx, KeyOwner(keep.ID), owner, 0)
		stats.Advanced++
		return
	}

	stamp := MinuteStamp(ev.At)
	if d.anyGateSet(ctx, keep.ID, baseline, owner, stamp) {
		d.put(ctx, KeyOwner(keep.ID), owner, 0)
		stats.Advanced++
		return
	}

	won, err := d.KV.SetNX(ctx, KeyCapClaim(keep.ID, owner, stamp), "1", ClaimTTL)
	if err != nil || !won {
		// A concurrent invocation holds the claim; its commit stamps the
		// gates and advances the baseline. Advancing it here would erase the
		// mismatch the claim holder still needs.
		stats.Skipped++
		return
	}

	keepID, prev := keep.ID, baseline
	q.Enqueue(alertqueue.Alert{
		Channel: discord.ChannelCapture,
		Embed:   CaptureEmbed(keep.Name, keep.Owner, ev.Leader, ev.At),
		Commit: func(ctx context.Context) error {
			d.stampCapture(ctx, keepID, owner, stamp)
			d.put(ctx, KeyCapOnceTransition(keepID, prev, owner), "1", CapOnceTTL)
			d.put(ctx, KeyOwner(keepID), owner, 0)
			d.muteAfterCapture(ctx, keepID)
			metrics.CaptureAlertsSentTotal.Add(ctx, 1)
			return nil
		},
		Rollback: func(ctx context.Context) error {
			return d.KV.Delete(ctx, KeyCapClaim(keepID, owner, stamp))
		},
	})
	stats.Enqueued++
	log.Info("capture detected", "prev", prev, "owner", owner, "stamp", stamp)
}

// runEvents walks fresh captured events. It never touches own: baselines;
// the ownership path is authoritative for those.
func (d *CaptureDetector) runEvents(ctx context.Context, snap *herald.Snapshot, stats *CaptureStats, q *alertqueue.Queue) {
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.Kind != herald.EventCaptured || ev.KeepID == "" || !ev.NewOwner.Valid() {
			continue
		}
		if snap.UpdatedAt.Sub(ev.At) > d.Windows.Capture {
			continue
		}
		owner := string(ev.NewOwner)
		stamp := MinuteStamp(ev.At)

		// Never alert while the baseline is unset (first sighting) or
		// already matches: a freshly seeded keep would otherwise re-announce
		// its own seeding event.
		baseline, ok, err := d.KV.Get(ctx, KeyOwner(ev.KeepID))
		if err != nil || !ok || baseline == owner {
			continue
		}

		if d.exists(ctx, KeyCapOnceOwner(ev.KeepID, owner)) ||
			d.exists(ctx, KeyCapAny(ev.KeepID, owner, stamp)) ||
			d.exists(ctx, KeyCapSeen(ev.KeepID, owner)) {
			stats.Skipped++
			continue
		}
		won, err := d.KV.SetNX(ctx, KeyCapClaim(ev.KeepID, owner, stamp), "1", ClaimTTL)
		if err != nil || !won {
			stats.Skipped++
			continue
		}

		keepID := ev.KeepID
		q.Enqueue(alertqueue.Alert{
			Channel: discord.ChannelCapture,
			Embed:   CaptureEmbed(ev.KeepName, ev.NewOwner, ev.Leader, ev.At),
			Commit: func(ctx context.Context) error {
				d.stampCapture(ctx, keepID, owner, stamp)
				d.muteAfterCapture(ctx, keepID)
				metrics.CaptureAlertsSentTotal.Add(ctx, 1)
				return nil
			},
			Rollback: func(ctx context.Context) error {
				return d.KV.Delete(ctx, KeyCapClaim(keepID, owner, stamp))
			},
		})
		stats.Enqueued++
		d.Log.Info("capture event detected", "keep", keepID, "owner", owner, "stamp", stamp)
	}
}

// corroboratingEvent finds a fresh captured event matching the keep and its
// new owner. An event at exactly the capture window is still fresh.
func (d *CaptureDetector) corroboratingEvent(snap *herald.Snapshot, keepID string, owner herald.Realm) *herald.Event {
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.Kind == herald.EventCaptured && ev.KeepID == keepID && ev.NewOwner == owner &&
			snap.UpdatedAt.Sub(ev.At) <= d.Windows.Capture {
			return ev
		}
	}
	return nil
}

// anyGateSet checks the unified dedupe gates in order.
func (d *CaptureDetector) anyGateSet(ctx context.Context, keepID, prev, owner, stamp string) bool {
	return d.exists(ctx, KeyCapOnceTransition(keepID, prev, owner)) ||
		d.exists(ctx, KeyCapOnceOwner(keepID, owner)) ||
		d.exists(ctx, KeyCapAny(keepID, owner, stamp)) ||
		d.exists(ctx, KeyCapSeen(keepID, owner))
}

// stampCapture writes the shared post-delivery dedupe set.
func (d *CaptureDetector) stampCapture(ctx context.Context, keepID, owner, stamp string) {
	d.put(ctx, KeyCapSeen(keepID, owner), "1", CapSeenTTL)
	d.put(ctx, KeyCapAny(keepID, owner, stamp), "1", CapAnyTTL)
	d.put(ctx, KeyCapOnceOwner(keepID, owner), "1", CapOnceTTL)
}

// muteAfterCapture clears the UA session and briefly suppresses the banner,
// which flaps right after a capture.
func (d *CaptureDetector) muteAfterCapture(ctx context.Context, keepID string) {
	d.put(ctx, KeyUAState(keepID), "0", d.Windows.Siege())
	d.delete(ctx, KeyUASession(keepID))
	d.put(ctx, KeyUASuppress(keepID), "1", SuppressTTL)
}

// ClearGates removes the capture dedupe gates for a (keep, realm[, prev])
// triple. Admin surface.
func (d *CaptureDetector) ClearGates(ctx context.Context, keepID, realm, prev string) {
	d.delete(ctx, KeyCapOnceOwner(keepID, realm))
	d.delete(ctx, KeyCapSeen(keepID, realm))
	if prev != "" {
		d.delete(ctx, KeyCapOnceTransition(keepID, prev, realm))
	}
	keys, err := d.KV.List(ctx, "cap:any:"+keepID+":"+realm+":", 0)
	if err == nil {
		for _, k := range keys {
			d.delete(ctx, k)
		}
	}
}

// CaptureEmbed renders the capture notification payload.
func CaptureEmbed(keepName string, owner herald.Realm, leader string, at time.Time) discord.Embed {
	title := fmt.Sprintf("🏰 %s was captured by %s", keepName, owner)
	if leader != "" {
		title += fmt.Sprintf(" — led by %s", leader)
	}
	return discord.Embed{
		Title:     title,
		Color:     owner.Color(),
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &discord.EmbedFooter{Text: "Uthgard Herald"},
	}
}

func (d *CaptureDetector) exists(ctx context.Context, key string) bool {
	_, ok, err := d.KV.Get(ctx, key)
	if err != nil {
		d.Log.Error(err, "kv get failed", "key", key)
		return false
	}
	return ok
}

func (d *CaptureDetector) put(ctx context.Context, key, value string, ttl time.Duration) {
	if err := d.KV.Put(ctx, key, value, ttl); err != nil {
		d.Log.Error(err, "kv put failed", "key", key)
	}
}

func (d *CaptureDetector) delete(ctx context.Context, key string) {
	if err := d.KV.Delete(ctx, key); err != nil {
		d.Log.Error(err, "kv delete failed", "key", key)
	}
}
