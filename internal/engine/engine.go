// Package engine orchestrates one pipeline tick: fetch, parse, diff,
// dedupe, deliver, persist. Admin simulation entry points reuse the exact
// production detector and delivery code paths.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/uthgardwatch/herald-sentinel/internal/alertqueue"
	"github.com/uthgardwatch/herald-sentinel/internal/config"
	"github.com/uthgardwatch/herald-sentinel/internal/detect"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/fetch"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
	"github.com/uthgardwatch/herald-sentinel/internal/players"
)

// Counters are the operational counts exposed on the health endpoint and
// reset by the clear-metrics admin action. They complement, not replace,
// the Prometheus instruments.
type Counters struct {
	Ticks          atomic.Int64
	FetchFailures  atomic.Int64
	UASent         atomic.Int64
	UASkipped      atomic.Int64
	UACleared      atomic.Int64
	CaptureSent    atomic.Int64
	PlayersScanned atomic.Int64
	PlayerAlerts   atomic.Int64
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.Ticks.Store(0)
	c.FetchFailures.Store(0)
	c.UASent.Store(0)
	c.UASkipped.Store(0)
	c.UACleared.Store(0)
	c.CaptureSent.Store(0)
	c.PlayersScanned.Store(0)
	c.PlayerAlerts.Store(0)
}

// Engine glues the pipeline stages together. One Engine serves both the
// scheduler and the admin surface; all shared state lives in KV.
type Engine struct {
	KV      kv.Store
	Log     logr.Logger
	Config  *config.Config
	Fetcher *fetch.Fetcher
	Sender  *discord.Sender
	UA      *detect.UADetector
	Capture *detect.CaptureDetector
	Scanner *players.Scanner // nil when no roster is configured

	Counters Counters

	// gateRetries and gateRetryStep bound how long Deliver polls for a held
	// channel gate before treating the batch as a failed delivery. The
	// defaults outlast the gate TTL so a briefly held gate never drops a
	// batch.
	gateRetries   int
	gateRetryStep time.Duration

	// scanMu serializes background player scans; a scan may straddle ticks
	// but never overlaps another.
	scanMu sync.Mutex
}

// New wires an engine from configuration over a KV store.
func New(store kv.Store, log logr.Logger, cfg *config.Config, sender *discord.Sender, scanner *players.Scanner) *Engine {
	windows := detect.Windows{Attack: cfg.AttackWindow, Capture: cfg.CaptureWindow}
	return &Engine{
		KV:      store,
		Log:     log,
		Config:  cfg,
		Fetcher: fetch.NewFetcher(),
		Sender:  sender,
		UA:      &detect.UADetector{KV: store, Log: log.WithName("ua"), Windows: windows},
		Capture: &detect.CaptureDetector{KV: store, Log: log.WithName("capture"), Windows: windows},
		Scanner: scanner,

		gateRetries:   12,
		gateRetryStep: 500 * time.Millisecond,
	}
}

// TickReport aggregates one tick for the log line.
type TickReport struct {
	Snapshot *herald.Snapshot
	Changed  bool
	Hash     string

	UA      detect.UAStats
	Capture detect.CaptureStats

	UADelivered      int
	CaptureDelivered int
}

// Tick runs one full pipeline pass. An upstream fetch failure aborts the
// tick with no state changes; everything downstream is best-effort per keep.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	log := e.Log.WithValues("tick", uuid.NewString()[:8])
	e.Counters.Ticks.Add(1)
	metrics.TicksTotal.Add(ctx, 1)

	prev, prevHash := e.loadWarmap(ctx)

	body, err := e.Fetcher.Fetch(ctx, e.Config.WarmapURL)
	if err != nil {
		e.Counters.FetchFailures.Add(1)
		metrics.FetchFailuresTotal.Add(ctx, 1)
		return nil, fmt.Errorf("upstream fetch: %w", err)
	}

	snap, err := herald.Parse(body, herald.ParseOptions{
		AttackWindow: e.Config.AttackWindow,
		BaseURL:      e.Config.WarmapURL,
	})
	if err != nil {
		return nil, fmt.Errorf("parse warmap: %w", err)
	}

	report := &TickReport{Snapshot: snap, Hash: snap.Hash()}
	report.Changed = prev == nil || report.Hash != prevHash

	queue := alertqueue.NewQueue()

	// UA alerts precede capture alerts; the capture detector internally
	// orders the ownership path before the event path.
	report.UA = e.UA.Run(ctx, snap, queue)
	report.UADelivered = e.Deliver(ctx, discord.ChannelUA, e.Config.UAWebhooks, queue)

	report.Capture = e.Capture.Run(ctx, snap, queue)
	report.CaptureDelivered = e.Deliver(ctx, discord.ChannelCapture, e.Config.CaptureWebhooks, queue)

	// An unchanged document never rewrites the snapshot; an empty keeps
	// list means parse degradation and must not overwrite a good one.
	if report.Changed && len(snap.Keeps) > 0 {
		e.storeWarmap(ctx, snap)
		metrics.SnapshotsChangedTotal.Add(ctx, 1)
	}

	e.Counters.UASent.Add(int64(report.UADelivered))
	e.Counters.UASkipped.Add(int64(report.UA.Skipped))
	e.Counters.UACleared.Add(int64(report.UA.Cleared))
	e.Counters.CaptureSent.Add(int64(report.CaptureDelivered))

	e.spawnPlayerScan(ctx)

	log.Info("tick complete",
		"changed", report.Changed,
		"keeps", len(snap.Keeps), "events", len(snap.Events),
		"uaSent", report.UADelivered, "uaSkipped", report.UA.Skipped, "uaCleared", report.UA.Cleared,
		"capSent", report.CaptureDelivered, "capSeeded", report.Capture.Seeded)
	return report, nil
}

// Deliver drains one channel's pending alerts, sends them in slices, and
// runs commit closures according to the delivery mode: freshness (default)
// commits even on failure so an outage doesn't queue an alert storm; strict
// skips commits on failure so the next tick retries, at the cost of
// possible duplicates.
func (e *Engine) Deliver(ctx context.Context, ch discord.Channel, endpoints []string, queue *alertqueue.Queue) int {
	alerts := queue.DequeueChannel(ch)
	if len(alerts) == 0 {
		return 0
	}

	release, ok := e.acquireGate(ctx, ch)
	if !ok {
		e.Log.Info("channel gate held past its TTL, treating as delivery failure", "channel", ch)
		return e.commitAfterSend(ctx, alerts, 0)
	}
	defer release()

	embeds := make([]discord.Embed, len(alerts))
	for i, a := range alerts {
		embeds[i] = a.Embed
	}

	sent, err := e.Sender.Send(ctx, ch, endpoints, embeds)
	if err != nil {
		e.Log.Error(err, "channel delivery incomplete", "channel", ch, "sent", sent, "pending", len(alerts)-sent)
	}
	return e.commitAfterSend(ctx, alerts, sent)
}

// acquireGate polls for the per-channel gate until it wins or the retry
// budget runs out. The budget exceeds the gate TTL, so only a holder that
// keeps renewing or a stuck gate trips the failure path.
func (e *Engine) acquireGate(ctx context.Context, ch discord.Channel) (func(), bool) {
	for i := 0; ; i++ {
		release, ok := e.Sender.AcquireGate(ctx, ch)
		if ok {
			return release, true
		}
		if i+1 >= e.gateRetries {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(e.gateRetryStep):
		}
	}
}

// commitAfterSend runs commit closures for the delivered prefix always, and
// for the undelivered remainder only in freshness mode. Under strict mode
// the remainder is rolled back instead, so detection claims do not outlive
// the failed send and block the next tick's retry.
func (e *Engine) commitAfterSend(ctx context.Context, alerts []alertqueue.Alert, sent int) int {
	strict := e.StrictDelivery(ctx)
	for i, a := range alerts {
		if i >= sent && strict {
			if a.Rollback == nil {
				continue
			}
			if err := a.Rollback(ctx); err != nil {
				e.Log.Error(err, "alert rollback failed")
			}
			continue
		}
		if a.Commit == nil {
			continue
		}
		if err := a.Commit(ctx); err != nil {
			e.Log.Error(err, "alert commit failed")
		}
	}
	return sent
}

// StrictDelivery reads the runtime delivery-mode flag.
func (e *Engine) StrictDelivery(ctx context.Context) bool {
	v, ok, err := e.KV.Get(ctx, detect.KeyStrictDelivery)
	if err != nil {
		e.Log.Error(err, "read strict flag")
		return e.Config.StrictDelivery
	}
	if !ok {
		return e.Config.StrictDelivery
	}
	return v == "1"
}

// SetStrictDelivery toggles the runtime delivery-mode flag.
func (e *Engine) SetStrictDelivery(ctx context.Context, on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	return e.KV.Put(ctx, detect.KeyStrictDelivery, value, 0)
}

// spawnPlayerScan runs the tracked-player scan as a background continuation
// so the tick returns quickly. At most one scan runs at a time.
func (e *Engine) spawnPlayerScan(ctx context.Context) {
	if e.Scanner == nil || e.Scanner.Roster.Len() == 0 {
		return
	}
	if !e.scanMu.TryLock() {
		return
	}
	go func() {
		defer e.scanMu.Unlock()
		stats := e.Scanner.Scan(context.WithoutCancel(ctx))
		e.Counters.PlayersScanned.Add(int64(stats.Scanned))
		e.Counters.PlayerAlerts.Add(int64(stats.Notified))
		e.Log.Info("player scan complete",
			"scanned", stats.Scanned, "notified", stats.Notified, "failed", stats.Failed)
	}()
}

// loadWarmap reads the last accepted snapshot, if any.
func (e *Engine) loadWarmap(ctx context.Context) (*herald.Snapshot, string) {
	raw, ok, err := e.KV.Get(ctx, detect.KeyWarmap)
	if err != nil || !ok {
		return nil, ""
	}
	var snap herald.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		e.Log.Error(err, "corrupt warmap snapshot, ignoring")
		return nil, ""
	}
	return &snap, snap.Hash()
}

func (e *Engine) storeWarmap(ctx context.Context, snap *herald.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		e.Log.Error(err, "marshal snapshot")
		return
	}
	if err := e.KV.Put(ctx, detect.KeyWarmap, string(raw), 0); err != nil {
		e.Log.Error(err, "persist snapshot")
	}
}

// LastSnapshot returns the persisted snapshot and its age.
func (e *Engine) LastSnapshot(ctx context.Context) (*herald.Snapshot, time.Duration, bool) {
	snap, _ := e.loadWarmap(ctx)
	if snap == nil {
		return nil, 0, false
	}
	return snap, time.Since(snap.UpdatedAt), true
}

// ---- simulation entry points (admin surface) ----

// SimulateUA synthesizes a banner rising edge for one keep and runs the
// production UA path end to end.
func (e *Engine) SimulateUA(ctx context.Context, keepName string, owner herald.Realm) (int, error) {
	snap := &herald.Snapshot{
		UpdatedAt: time.Now(),
		Keeps: []herald.Keep{{
			ID: herald.Slug(keepName), Name: keepName, Type: herald.TypeKeep,
			Owner: owner, HeaderUnderAttack: true, UnderAttack: true,
		}},
		DFOwner: herald.Midgard,
	}
	queue := alertqueue.NewQueue()
	e.UA.Run(ctx, snap, queue)
	return e.Deliver(ctx, discord.ChannelUA, e.Config.UAWebhooks, queue), nil
}

// SimulateCaptureEvent synthesizes a fresh captured event and runs the
// recent-capture-event path.
func (e *Engine) SimulateCaptureEvent(ctx context.Context, keepName string, owner herald.Realm, leader string) (int, error) {
	now := time.Now()
	snap := &herald.Snapshot{
		UpdatedAt: now,
		Events: []herald.Event{{
			At: now.Add(-2 * time.Minute), Kind: herald.EventCaptured,
			KeepID: herald.Slug(keepName), KeepName: keepName,
			NewOwner: owner, Leader: leader,
			Age: "2m ago", Raw: fmt.Sprintf("%s was captured by %s", keepName, owner),
		}},
		DFOwner: herald.Midgard,
	}
	queue := alertqueue.NewQueue()
	e.Capture.Run(ctx, snap, queue)
	return e.Deliver(ctx, discord.ChannelCapture, e.Config.CaptureWebhooks, queue), nil
}

// SimulateOwnershipFlip seeds the baseline to prev, then synthesizes a
// snapshot where the keep belongs to owner with a corroborating event, and
// runs the ownership path.
func (e *Engine) SimulateOwnershipFlip(ctx context.Context, keepName string, prev, owner herald.Realm) (int, error) {
	id := herald.Slug(keepName)
	if err := e.KV.Put(ctx, detect.KeyOwner(id), string(prev), 0); err != nil {
		return 0, fmt.Errorf("seed baseline: %w", err)
	}
	now := time.Now()
	snap := &herald.Snapshot{
		UpdatedAt: now,
		Keeps: []herald.Keep{{
			ID: id, Name: keepName, Type: herald.TypeKeep, Owner: owner,
		}},
		Events: []herald.Event{{
			At: now.Add(-2 * time.Minute), Kind: herald.EventCaptured,
			KeepID: id, KeepName: keepName, NewOwner: owner,
			Age: "2m ago", Raw: fmt.Sprintf("%s was captured by %s", keepName, owner),
		}},
		DFOwner: herald.Midgard,
	}
	queue := alertqueue.NewQueue()
	e.Capture.Run(ctx, snap, queue)
	return e.Deliver(ctx, discord.ChannelCapture, e.Config.CaptureWebhooks, queue), nil
}

// SimulatePlayerPing feeds a synthetic realm-point gain through the
// production player state machine.
func (e *Engine) SimulatePlayerPing(ctx context.Context, playerID string, delta int64) (bool, error) {
	if e.Scanner == nil {
		return false, fmt.Errorf("no tracked players configured")
	}
	p, ok := e.Scanner.Roster.Get(playerID)
	if !ok {
		return false, fmt.Errorf("unknown player %q", playerID)
	}
	var baseline int64
	raw, ok, err := e.KV.Get(ctx, detect.KeyRP(playerID))
	switch {
	case err == nil && ok:
		if v, err := json.Number(raw).Int64(); err == nil {
			baseline = v
		}
	default:
		// Seed a zero baseline so the simulated gain actually fires.
		if err := e.KV.Put(ctx, detect.KeyRP(playerID), "0", 0); err != nil {
			return false, fmt.Errorf("seed rp baseline: %w", err)
		}
	}
	return e.Scanner.Observe(ctx, p, baseline+delta)
}

// ClearCooldowns removes every webhook cooldown, penalty, and pacing stamp.
func (e *Engine) ClearCooldowns(ctx context.Context) int {
	n := 0
	keys, err := e.KV.List(ctx, "discord:", 0)
	if err != nil {
		e.Log.Error(err, "list discord keys")
		return 0
	}
	for _, k := range keys {
		if err := e.KV.Delete(ctx, k); err != nil {
			e.Log.Error(err, "kv delete failed", "key", k)
			continue
		}
		n++
	}
	return n
}
