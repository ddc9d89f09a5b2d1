// Package detect implements the transition detectors: under-attack rising
// edges and keep captures. Detectors read KV baselines, gate candidates
// through claim and dedupe keys, and enqueue pending alerts whose commit
// closures stamp state after delivery.
package detect

import (
	"strconv"
	"time"
)

// Windows are the freshness bounds for event-driven detection.
type Windows struct {
	// Attack bounds how old an under-attack event may be and still count.
	Attack time.Duration
	// Capture bounds how old a captured event may be and still corroborate
	// an ownership flip.
	Capture time.Duration
}

// DefaultWindows returns the production freshness bounds.
func DefaultWindows() Windows {
	return Windows{Attack: 7 * time.Minute, Capture: 12 * time.Minute}
}

// Siege is the UA session TTL. Longer than the attack window so a session
// survives brief banner dropouts.
func (w Windows) Siege() time.Duration {
	return 4 * w.Attack
}

// Key TTLs. Claims are short-lived best-effort mutexes; dedupe stamps are
// the authoritative barrier.
const (
	ClaimTTL    = 120 * time.Second
	SuppressTTL = 120 * time.Second
	CapOnceTTL  = 20 * time.Minute
	CapSeenTTL  = 20 * time.Minute
	CapAnyTTL   = 6 * time.Hour
	UAMinuteTTL = 6 * time.Hour
)

// KeyWarmap holds the JSON-encoded last accepted snapshot.
const KeyWarmap = "warmap"

// KeyStrictDelivery holds "1" when strict delivery is enabled.
const KeyStrictDelivery = "flags:strict_delivery"

// MinuteStamp buckets an instant to its minute. Dedupe keys carry it so the
// same synthetic event reparsed across ticks maps to the same key.
func MinuteStamp(t time.Time) string {
	return strconv.FormatInt(t.Unix()/60, 10)
}

func KeyOwner(keepID string) string { return "own:" + keepID }

func KeyUAState(keepID string) string    { return "ua:state:" + keepID }
func KeyUASession(keepID string) string  { return "alert:ua:start:" + keepID }
func KeyUASuppress(keepID string) string { return "ua:suppress:" + keepID }
func KeyUANoBanner(keepID string) string { return "alert:ua:nobanner:" + keepID }

func KeyUAClaim(keepID, stamp string) string  { return "ua:claim:" + keepID + ":" + stamp }
func KeyUAMinute(keepID, stamp string) string { return "alert:under:" + keepID + ":" + stamp }

func KeyCapOnceOwner(keepID, owner string) string { return "cap:once:" + keepID + ":" + owner }
func KeyCapOnceTransition(keepID, prev, next string) string {
	return "cap:once:" + keepID + ":" + prev + "->" + next
}
func KeyCapSeen(keepID, owner string) string { return "cap:seen:" + keepID + ":" + owner }
func KeyCapAny(keepID, owner, stamp string) string {
	return "cap:any:" + keepID + ":" + owner + ":" + stamp
}
func KeyCapClaim(keepID, owner, stamp string) string {
	return "cap:claim:" + keepID + ":" + owner + ":" + stamp
}

func KeyRP(playerID string) string       { return "rp:" + playerID }
func KeyRPActive(playerID string) string { return "rp:active:" + playerID }
func KeyRPLast(playerID string) string   { return "rp:last:" + playerID }
