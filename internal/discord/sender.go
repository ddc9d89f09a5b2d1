package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/uthgardwatch/herald-sentinel/internal/herald"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
	"github.com/uthgardwatch/herald-sentinel/internal/metrics"
)

// KV keys. Endpoint-scoped keys embed a 16-hex xxhash of the webhook path so
// tokens never land in the store.
const (
	keyGlobalLast     = "discord:global:last"
	keyGlobalCooldown = "discord:global:cooldown_until"

	gateTTL       = 5 * time.Second
	lastTTL       = time.Hour
	penaltyTTL    = 30 * time.Minute
	shortCooldown = 5 * time.Second

	maxPenalty = 4
)

const (
	defaultBaseInterval = 2 * time.Second
	defaultGlobalFloor  = 6 * time.Second
	defaultChunkGap     = 2500 * time.Millisecond

	jitterMin = 200 * time.Millisecond
	jitterMax = 700 * time.Millisecond
)

// ErrGlobalCooldown aborts a whole delivery attempt: every endpoint shares
// the upstream's global rate limit, so falling through would amplify it.
var ErrGlobalCooldown = errors.New("discord: global cooldown active")

// ErrAllEndpointsFailed reports that no endpoint in the channel list
// accepted the batch.
var ErrAllEndpointsFailed = errors.New("discord: all endpoints failed or cooling down")

// Sender posts embed batches to ordered endpoint lists, persisting pacing
// and cooldown state in KV so overlapping invocations observe each other.
type Sender struct {
	KV       kv.Store
	Log      logr.Logger
	Client   *http.Client
	Username string

	// BaseInterval is the unpenalized per-endpoint send interval.
	BaseInterval time.Duration
	// GlobalFloor is the minimum gap between any two successful sends.
	GlobalFloor time.Duration
	// ChunkGap is the pause between ten-embed slices of one batch.
	ChunkGap time.Duration

	// now and sleep are swappable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewSender creates a Sender with production pacing defaults.
func NewSender(store kv.Store, log logr.Logger, username string) *Sender {
	return &Sender{
		KV:           store,
		Log:          log,
		Client:       &http.Client{Timeout: 10 * time.Second},
		Username:     username,
		BaseInterval: defaultBaseInterval,
		GlobalFloor:  defaultGlobalFloor,
		ChunkGap:     defaultChunkGap,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// AcquireGate takes the per-channel serialization gate. The gate is a
// best-effort mutex with a short TTL; losing it means another invocation is
// already delivering on this channel.
func (s *Sender) AcquireGate(ctx context.Context, ch Channel) (release func(), ok bool) {
	key := "discord:gate:" + string(ch)
	won, err := s.KV.SetNX(ctx, key, "1", gateTTL)
	if err != nil {
		s.Log.Error(err, "gate acquire failed, proceeding without", "channel", ch)
		return func() {}, true
	}
	if !won {
		return nil, false
	}
	return func() {
		if err := s.KV.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.Log.Error(err, "gate release failed", "channel", ch)
		}
	}, true
}

// Send delivers embeds on the channel's endpoint list, sliced into groups of
// at most ten with a pause between slices. It returns the number of embeds
// delivered and the first slice error; a partial delivery returns both.
func (s *Sender) Send(ctx context.Context, ch Channel, endpoints []string, embeds []Embed) (int, error) {
	if len(embeds) == 0 {
		return 0, nil
	}
	if len(endpoints) == 0 {
		return 0, fmt.Errorf("channel %s: no endpoints configured", ch)
	}

	sent := 0
	for start := 0; start < len(embeds); start += MaxEmbedsPerMessage {
		end := min(start+MaxEmbedsPerMessage, len(embeds))
		if start > 0 {
			s.sleep(ctx, s.ChunkGap)
		}
		if err := s.sendBatch(ctx, ch, endpoints, embeds[start:end]); err != nil {
			return sent, err
		}
		sent += end - start
	}
	return sent, nil
}

// sendBatch tries each endpoint in order until one accepts the batch.
func (s *Sender) sendBatch(ctx context.Context, ch Channel, endpoints []string, embeds []Embed) error {
	body, err := json.Marshal(Message{Username: s.Username, Embeds: embeds})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	for _, endpoint := range endpoints {
		switch err := s.sendOne(ctx, ch, endpoint, body); {
		case err == nil:
			return nil
		case errors.Is(err, ErrGlobalCooldown):
			return err
		default:
			s.Log.Info("webhook endpoint failed, falling through",
				"channel", ch, "endpoint", endpointHash(endpoint), "reason", err.Error())
		}
	}
	return ErrAllEndpointsFailed
}

// sendOne runs the full per-endpoint discipline: global cooldown check,
// per-endpoint cooldown check, global and per-endpoint pacing, the POST
// itself, and response classification.
func (s *Sender) sendOne(ctx context.Context, ch Channel, endpoint string, body []byte) error {
	hash := endpointHash(endpoint)
	log := s.Log.WithValues("channel", ch, "endpoint", hash)

	if until, ok := s.cooldownUntil(ctx, keyGlobalCooldown); ok && until.After(s.now()) {
		return fmt.Errorf("%w (until %s)", ErrGlobalCooldown, until.Format(time.RFC3339))
	}
	if until, ok := s.cooldownUntil(ctx, "discord:cooldown:"+hash); ok && until.After(s.now()) {
		metrics.WebhookCooldownSkipsTotal.Add(ctx, 1)
		return fmt.Errorf("endpoint cooling down until %s", until.Format(time.RFC3339))
	}

	s.paceGlobal(ctx)
	s.paceEndpoint(ctx, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	start := s.now()
	resp, err := s.Client.Do(req)
	if err != nil {
		s.setCooldown(ctx, hash, shortCooldown)
		s.bumpPenalty(ctx, hash)
		metrics.WebhookFailuresTotal.Add(ctx, 1)
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Cloudflare 1015 bans arrive as 429s with an HTML body; the
		// Retry-After header still applies.
		retry, global := parseRateLimit(resp.Header, respBody)
		if global {
			s.putCooldownKey(ctx, keyGlobalCooldown, retry)
		}
		s.setCooldown(ctx, hash, retry)
		s.bumpPenalty(ctx, hash)
		metrics.Webhook429Total.Add(ctx, 1)
		return fmt.Errorf("rate limited, retry after %s (global=%t)", retry, global)

	case resp.StatusCode >= 500:
		retry := shortCooldown
		if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			retry = ra
		}
		s.setCooldown(ctx, hash, retry)
		s.bumpPenalty(ctx, hash)
		metrics.WebhookFailuresTotal.Add(ctx, 1)
		return fmt.Errorf("webhook returned %d", resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Permanent failure: no cooldown, the next tick retries.
		metrics.WebhookFailuresTotal.Add(ctx, 1)
		log.Info("webhook rejected batch", "status", resp.StatusCode, "body", truncate(string(respBody), 200))
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	// Success. Honor proactive rate-limit headers before stamping state.
	if rem, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil && rem <= 1 {
		if reset, ok := parseSeconds(resp.Header.Get("X-RateLimit-Reset-After")); ok && reset > 0 {
			s.setCooldown(ctx, hash, reset)
		}
	}
	nowMs := strconv.FormatInt(s.now().UnixMilli(), 10)
	s.putKV(ctx, "discord:last:"+hash, nowMs, lastTTL)
	s.putKV(ctx, keyGlobalLast, nowMs, lastTTL)
	s.putKV(ctx, "discord:penalty:"+hash, "0", penaltyTTL)

	metrics.WebhookSentTotal.Add(ctx, 1)
	metrics.WebhookSendDurationSeconds.Record(ctx, s.now().Sub(start).Seconds())
	return nil
}

// paceGlobal waits until the global floor since the last successful send
// anywhere has elapsed.
func (s *Sender) paceGlobal(ctx context.Context) {
	last, ok := s.lastSend(ctx, keyGlobalLast)
	if !ok {
		return
	}
	if wait := s.GlobalFloor - s.now().Sub(last); wait > 0 {
		s.sleep(ctx, wait)
	}
}

// paceEndpoint enforces base·(1+0.5·penalty) since this endpoint's last
// successful send, plus uniform jitter.
func (s *Sender) paceEndpoint(ctx context.Context, hash string) {
	interval := s.BaseInterval
	if p := s.penalty(ctx, hash); p > 0 {
		interval = time.Duration(float64(s.BaseInterval) * (1 + 0.5*float64(p)))
	}
	var wait time.Duration
	if last, ok := s.lastSend(ctx, "discord:last:"+hash); ok {
		wait = interval - s.now().Sub(last)
	}
	if wait < 0 {
		wait = 0
	}
	wait += jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin)))
	s.sleep(ctx, wait)
}

func (s *Sender) lastSend(ctx context.Context, key string) (time.Time, bool) {
	v, ok, err := s.KV.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *Sender) penalty(ctx context.Context, hash string) int {
	v, ok, err := s.KV.Get(ctx, "discord:penalty:"+hash)
	if err != nil || !ok {
		return 0
	}
	p, err := strconv.Atoi(v)
	if err != nil || p < 0 {
		return 0
	}
	return min(p, maxPenalty)
}

func (s *Sender) bumpPenalty(ctx context.Context, hash string) {
	p := min(s.penalty(ctx, hash)+1, maxPenalty)
	s.putKV(ctx, "discord:penalty:"+hash, strconv.Itoa(p), penaltyTTL)
}

func (s *Sender) cooldownUntil(ctx context.Context, key string) (time.Time, bool) {
	v, ok, err := s.KV.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	until, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return until, true
}

func (s *Sender) setCooldown(ctx context.Context, hash string, d time.Duration) {
	s.putCooldownKey(ctx, "discord:cooldown:"+hash, d)
}

func (s *Sender) putCooldownKey(ctx context.Context, key string, d time.Duration) {
	if d <= 0 {
		d = shortCooldown
	}
	s.putKV(ctx, key, s.now().Add(d).Format(time.RFC3339), d)
}

// putKV writes best-effort: a lost pacing stamp degrades pacing, it does not
// fail delivery.
func (s *Sender) putKV(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.KV.Put(ctx, key, value, ttl); err != nil {
		s.Log.Error(err, "kv put failed", "key", key)
	}
}

// parseRateLimit extracts the retry interval and global marker from a 429.
// Precedence: Retry-After header, X-RateLimit-Reset-After, JSON retry_after.
// The body's global flag counts even when the header is absent.
func parseRateLimit(h http.Header, body []byte) (time.Duration, bool) {
	global := strings.EqualFold(h.Get("X-RateLimit-Global"), "true")

	retry := shortCooldown
	fromHeader := false
	if ra, ok := parseRetryAfter(h.Get("Retry-After")); ok {
		retry, fromHeader = ra, true
	} else if ra, ok := parseSeconds(h.Get("X-RateLimit-Reset-After")); ok {
		retry, fromHeader = ra, true
	}

	var parsed struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.RetryAfter > 0 && !fromHeader {
			retry = time.Duration(parsed.RetryAfter * float64(time.Second))
		}
		global = global || parsed.Global
	}
	return retry, global
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func parseSeconds(v string) (time.Duration, bool) {
	return parseRetryAfter(v)
}

// endpointHash identifies an endpoint in KV keys and logs without exposing
// its token.
func endpointHash(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Path != "" {
		return herald.HashString(u.Path)
	}
	return herald.HashString(endpoint)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
