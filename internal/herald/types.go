// Package herald defines the canonical world-state model parsed from the
// Uthgard Herald warmap page: keeps, recent battle events, and the current
// Darkness Falls owner.
package herald

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Realm is one of the three playable factions.
type Realm string

const (
	Albion   Realm = "Albion"
	Midgard  Realm = "Midgard"
	Hibernia Realm = "Hibernia"
)

// realmColors are the embed accent colors used in notifications.
var realmColors = map[Realm]int{
	Albion:   0xCC2233,
	Midgard:  0x3366CC,
	Hibernia: 0x33AA55,
}

// Color returns the notification accent color for the realm.
func (r Realm) Color() int {
	return realmColors[r]
}

// Valid reports whether r is one of the three concrete realms.
func (r Realm) Valid() bool {
	_, ok := realmColors[r]
	return ok
}

// ParseRealm maps a liberal set of realm spellings (full names, the herald's
// three-letter class markers) to a concrete Realm.
func ParseRealm(s string) (Realm, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "albion", "alb", "a":
		return Albion, true
	case "midgard", "mid", "m":
		return Midgard, true
	case "hibernia", "hib", "h":
		return Hibernia, true
	}
	return "", false
}

// KeepType distinguishes ordinary keeps from relic keeps.
type KeepType string

const (
	TypeKeep  KeepType = "keep"
	TypeRelic KeepType = "relic"
)

// Keep is one fortress panel from the warmap.
type Keep struct {
	// ID is the stable slug derived from Name.
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type KeepType `json:"type"`

	// Owner is always a concrete realm; the herald never shows a neutral keep.
	Owner Realm `json:"owner"`

	Level     int    `json:"level,omitempty"`
	ClaimedBy string `json:"claimedBy,omitempty"`
	EmblemURL string `json:"emblemUrl,omitempty"`

	// HeaderUnderAttack reflects only the panel banner (text or image match).
	HeaderUnderAttack bool `json:"headerUnderAttack"`

	// UnderAttack is the OR of the banner and any recent UA event within the
	// attack window.
	UnderAttack bool `json:"underAttack"`

	// LastEvent is the instant of the most recent event applied to this keep.
	LastEvent *time.Time `json:"lastEvent,omitempty"`
}

// EventKind classifies a row of the recent-events table.
type EventKind string

const (
	EventCaptured    EventKind = "captured"
	EventUnderAttack EventKind = "underAttack"
	EventClaimed     EventKind = "claimed"
	EventUpgraded    EventKind = "upgraded"
	EventRelicMoved  EventKind = "relicMoved"
	EventOther       EventKind = "other"
)

// Event is one parsed row of the recent-events table.
type Event struct {
	// At is synthetic: the upstream only exposes relative ages, so the
	// instant is computed from Age at parse time.
	At   time.Time `json:"at"`
	Kind EventKind `json:"kind"`

	KeepID   string `json:"keepId,omitempty"`
	KeepName string `json:"keepName,omitempty"`
	NewOwner Realm  `json:"newOwner,omitempty"`
	Leader   string `json:"leader,omitempty"`

	// Age is the raw relative-time token ("3h ago") the row carried. It is
	// part of the canonical hash so reparses of the same HTML hash equal.
	Age string `json:"age"`
	Raw string `json:"raw"`
}

// MaxEvents caps the retained event window.
const MaxEvents = 200

// Snapshot is the canonical world state derived from one warmap document.
type Snapshot struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Keeps     []Keep    `json:"keeps"`
	Events    []Event   `json:"events"`
	DFOwner   Realm     `json:"dfOwner"`
}

// KeepByID returns the keep with the given slug, or nil.
func (s *Snapshot) KeepByID(id string) *Keep {
	for i := range s.Keeps {
		if s.Keeps[i].ID == id {
			return &s.Keeps[i]
		}
	}
	return nil
}

// Hash returns the canonical content hash of the snapshot as a 16-character
// hex string. Only stable fields participate: keep identity and status,
// event raw text and age tokens, and the DF owner. Parse-time instants are
// excluded so parsing identical HTML twice hashes equal.
func (s *Snapshot) Hash() string {
	d := xxhash.New()
	for i := range s.Keeps {
		k := &s.Keeps[i]
		fmt.Fprintf(d, "k|%s|%s|%s|%d|%s|%s|%t\n",
			k.ID, k.Type, k.Owner, k.Level, k.ClaimedBy, k.EmblemURL, k.HeaderUnderAttack)
	}
	for i := range s.Events {
		e := &s.Events[i]
		fmt.Fprintf(d, "e|%s|%s\n", e.Age, e.Raw)
	}
	fmt.Fprintf(d, "df|%s\n", s.DFOwner)
	return hexHash(d.Sum64())
}

// hexHash renders an xxhash64 sum as 16 lowercase hex characters.
func hexHash(h uint64) string {
	const hexTable = "0123456789abcdef"
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	out := make([]byte, 16)
	for i, v := range b {
		out[i*2] = hexTable[v>>4]
		out[i*2+1] = hexTable[v&0x0f]
	}
	return string(out)
}

// HashString returns the 16-hex-char xxhash64 of an arbitrary string. Used
// for per-endpoint webhook state keys.
func HashString(s string) string {
	return hexHash(xxhash.Sum64String(s))
}

// Slug derives the stable keep identifier from its display name: lowercase,
// runs of non-alphanumerics collapsed to single hyphens.
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			if b.Len() > 0 {
				pendingHyphen = true
			}
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
