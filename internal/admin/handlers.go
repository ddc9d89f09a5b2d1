// Package admin exposes the operational control surface: a read-only health
// snapshot, state-reset actions, and simulation endpoints that drive the
// production detector and delivery code paths.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/uthgardwatch/herald-sentinel/internal/engine"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
)

// Handler serves the admin API.
type Handler struct {
	Engine *engine.Engine
	Log    logr.Logger
}

// Router builds the admin route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Get("/warmap", h.handleWarmap)
	r.Get("/probe", h.handleProbe)
	r.Get("/kv", h.handleKVDump)
	r.Get("/admin", h.handleAction)
	r.Post("/admin", h.handleAction)
	r.Get("/simulate", h.handleSimulate)
	r.Post("/simulate", h.handleSimulate)
	return r
}

// handleHealth reports cooldown state, counters, baseline count, the strict
// flag, and the last snapshot age.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := &h.Engine.Counters

	resp := map[string]any{
		"ok":     true,
		"strict": h.Engine.StrictDelivery(ctx),
		"counters": map[string]int64{
			"ticks":          c.Ticks.Load(),
			"fetchFailures":  c.FetchFailures.Load(),
			"uaSent":         c.UASent.Load(),
			"uaSkipped":      c.UASkipped.Load(),
			"uaCleared":      c.UACleared.Load(),
			"captureSent":    c.CaptureSent.Load(),
			"playersScanned": c.PlayersScanned.Load(),
			"playerAlerts":   c.PlayerAlerts.Load(),
		},
	}

	if _, age, ok := h.Engine.LastSnapshot(ctx); ok {
		resp["snapshotAgeSeconds"] = int64(age.Seconds())
	}
	if baselines, err := h.Engine.KV.List(ctx, "own:", 0); err == nil {
		resp["baselines"] = len(baselines)
	}
	if cooldowns, err := h.Engine.KV.List(ctx, "discord:cooldown:", 0); err == nil {
		resp["endpointCooldowns"] = len(cooldowns)
	}
	if _, ok, _ := h.Engine.KV.Get(ctx, "discord:global:cooldown_until"); ok {
		resp["globalCooldown"] = true
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleWarmap returns the last accepted snapshot for presentation
// front-ends.
func (h *Handler) handleWarmap(w http.ResponseWriter, r *http.Request) {
	snap, age, ok := h.Engine.LastSnapshot(r.Context())
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "ageSeconds": int64(age.Seconds()), "snapshot": snap,
	})
}

// handleProbe performs a live upstream fetch and parse without touching any
// state. 502 on upstream failure.
func (h *Handler) handleProbe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := h.Engine.Fetcher.Fetch(ctx, h.Engine.Config.WarmapURL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	snap, err := herald.Parse(body, herald.ParseOptions{
		AttackWindow: h.Engine.Config.AttackWindow,
		BaseURL:      h.Engine.Config.WarmapURL,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "keeps": len(snap.Keeps), "events": len(snap.Events), "hash": snap.Hash(),
	})
}

// handleKVDump lists a key subset by prefix. Values are intentionally not
// dumped wholesale; pass value=1 to include them.
func (h *Handler) handleKVDump(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "prefix is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	keys, err := h.Engine.KV.List(ctx, prefix, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	resp := map[string]any{"ok": true, "keys": keys}
	if r.URL.Query().Get("value") == "1" {
		values := make(map[string]string, len(keys))
		for _, k := range keys {
			if v, ok, err := h.Engine.KV.Get(ctx, k); err == nil && ok {
				values[k] = v
			}
		}
		resp["values"] = values
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAction dispatches state-mutation actions.
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	action := q.Get("action")
	log := h.Log.WithValues("action", action)

	switch action {
	case "strict-on", "strict-off":
		if err := h.Engine.SetStrictDelivery(ctx, action == "strict-on"); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "strict": action == "strict-on"})

	case "clear-cooldowns":
		n := h.Engine.ClearCooldowns(ctx)
		log.Info("cooldowns cleared", "keys", n)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": n})

	case "clear-metrics":
		h.Engine.Counters.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "reset-all-ua":
		n := h.Engine.UA.ResetAll(ctx)
		log.Info("ua state cleared", "keys", n)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": n})

	case "reset-ua":
		keep := q.Get("keep")
		if keep == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "keep is required"})
			return
		}
		h.Engine.UA.ResetKeep(ctx, herald.Slug(keep))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "keep": herald.Slug(keep)})

	case "clear-cap":
		keep, realm := q.Get("keep"), q.Get("realm")
		if keep == "" || realm == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "keep and realm are required"})
			return
		}
		rl, ok := herald.ParseRealm(realm)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown realm"})
			return
		}
		prev := ""
		if p, ok := herald.ParseRealm(q.Get("prev")); ok {
			prev = string(p)
		}
		h.Engine.Capture.ClearGates(ctx, herald.Slug(keep), string(rl), prev)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown action"})
	}
}

// handleSimulate synthesizes one alert path. These share the production
// detectors, so dedupe gates apply exactly as in real ticks.
func (h *Handler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	path := q.Get("path")

	switch path {
	case "ua", "capture", "own":
		keep := q.Get("keep")
		realm, realmOK := herald.ParseRealm(q.Get("realm"))
		if keep == "" || !realmOK {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "keep and realm are required"})
			return
		}
		var sent int
		var err error
		switch path {
		case "ua":
			sent, err = h.Engine.SimulateUA(ctx, keep, realm)
		case "capture":
			sent, err = h.Engine.SimulateCaptureEvent(ctx, keep, realm, q.Get("leader"))
		case "own":
			prev, ok := herald.ParseRealm(q.Get("prev"))
			if !ok {
				writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "prev is required"})
				return
			}
			sent, err = h.Engine.SimulateOwnershipFlip(ctx, keep, prev, realm)
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sent": sent})

	case "player":
		player := q.Get("player")
		if player == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "player is required"})
			return
		}
		delta := int64(100)
		if d, err := strconv.ParseInt(q.Get("delta"), 10, 64); err == nil && d > 0 {
			delta = d
		}
		notified, err := h.Engine.SimulatePlayerPing(ctx, player, delta)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notified": notified})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unknown path"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

// Timeout wraps the router with a per-request deadline. Simulation paths
// sleep for pacing, so the ceiling is generous.
func Timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
