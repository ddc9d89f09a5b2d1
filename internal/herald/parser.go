package herald

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ParseOptions tune a single parse pass.
type ParseOptions struct {
	// Now anchors synthetic event instants. Zero means time.Now().
	Now time.Time

	// AttackWindow bounds how old an under-attack event may be and still
	// mark its keep as under attack. Zero means 7 minutes.
	AttackWindow time.Duration

	// BaseURL resolves relative emblem image sources.
	BaseURL string
}

const defaultAttackWindow = 7 * time.Minute

var (
	captureRe = regexp.MustCompile(`^(.+?) (?:has been|was) captured by (?:the forces of )?(Albion|Midgard|Hibernia)(?: led by (.+?))?[.!]?$`)
	underRe   = regexp.MustCompile(`^(.+?) (?:is|was) under attack`)
	claimedRe = regexp.MustCompile(`^(.+?) (?:has been|was) claimed by (.+?)[.!]?$`)
	upgradeRe = regexp.MustCompile(`^(.+?) (?:has been|was) upgraded to level (\d+)`)
	relicRe   = regexp.MustCompile(`(?i)relic`)

	uaPhraseRe = regexp.MustCompile(`(?i)under\s*attack`)
	levelRe    = regexp.MustCompile(`(?i)level\s+(\d+)\s+keep`)
	ageRe      = regexp.MustCompile(`(?i)^\s*(\d+)\s*(m|h|d)[a-z]*\b`)
)

// siegeBannerFiles is the tight allowlist of banner image basenames that
// signal an active siege. A plain "under" substring is deliberately not
// enough: the page uses it in unrelated asset names.
var siegeBannerFiles = map[string]bool{
	"underattack.gif":  true,
	"under_attack.gif": true,
	"underattack.png":  true,
	"siege.gif":        true,
	"keep_siege.png":   true,
}

// Parse turns one warmap HTML document into a Snapshot. It never fails on
// missing optional fields; a document without keep panels yields an empty
// keep list, which downstream treats as "do not advance baselines".
func Parse(data []byte, opts ParseOptions) (*Snapshot, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse warmap html: %w", err)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	window := opts.AttackWindow
	if window <= 0 {
		window = defaultAttackWindow
	}

	snap := &Snapshot{UpdatedAt: now, DFOwner: Midgard}

	var panels []*html.Node
	var eventTables []*html.Node
	var dfPanels []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		class := attr(n, "class")
		id := attr(n, "id")
		switch {
		case strings.Contains(class, "keepinfo_"):
			panels = append(panels, n)
		case n.Data == "table" && (strings.Contains(class, "events") || strings.Contains(id, "events")):
			eventTables = append(eventTables, n)
		case strings.Contains(class, "darkness") || strings.Contains(id, "darkness") ||
			hasClassToken(class, "df") || id == "df":
			dfPanels = append(dfPanels, n)
		}
	})

	for _, p := range panels {
		if k, ok := parseKeepPanel(p, opts.BaseURL); ok {
			snap.Keeps = append(snap.Keeps, k)
		}
	}
	for _, t := range eventTables {
		snap.Events = append(snap.Events, parseEvents(t, now)...)
	}
	if owner, ok := dfOwnerFromPanels(dfPanels); ok {
		snap.DFOwner = owner
	}

	applyEvents(snap, now, window)

	sort.SliceStable(snap.Events, func(i, j int) bool {
		return snap.Events[i].At.After(snap.Events[j].At)
	})
	if len(snap.Events) > MaxEvents {
		snap.Events = snap.Events[:MaxEvents]
	}
	return snap, nil
}

// parseKeepPanel extracts one Keep from a keepinfo panel. The second return
// is false when no name can be derived.
func parseKeepPanel(panel *html.Node, baseURL string) (Keep, bool) {
	var k Keep

	owner, ok := ownerFromClass(attr(panel, "class"))
	if !ok {
		return k, false
	}
	k.Owner = owner

	header := findByClassFragment(panel, "keepheader")
	if header == nil {
		header = firstElement(panel, "td")
	}
	if header == nil {
		return k, false
	}

	lines := textLines(header)
	if len(lines) == 0 {
		return k, false
	}
	k.Name = lines[0]
	k.ID = Slug(k.Name)
	if k.ID == "" {
		return k, false
	}

	k.Type = TypeKeep
	if relicRe.MatchString(k.Name) || strings.Contains(attr(panel, "class"), "relic") {
		k.Type = TypeRelic
	}

	if m := levelRe.FindStringSubmatch(nodeText(panel)); m != nil {
		k.Level, _ = strconv.Atoi(m[1])
	}

	// Claimant is the lowest header line that is not the keep name, a level
	// line, an emblem caption, or the siege banner text.
	for i := len(lines) - 1; i >= 1; i-- {
		l := lines[i]
		lower := strings.ToLower(l)
		if strings.EqualFold(l, k.Name) ||
			strings.Contains(lower, "level") ||
			strings.Contains(lower, "emblem") ||
			uaPhraseRe.MatchString(l) {
			continue
		}
		k.ClaimedBy = l
		break
	}

	k.HeaderUnderAttack = headerUnderAttack(header)
	k.EmblemURL = emblemURL(panel, baseURL)
	return k, true
}

// headerUnderAttack matches the banner by normalized text, image alt, or a
// tight filename allowlist.
func headerUnderAttack(header *html.Node) bool {
	if uaPhraseRe.MatchString(nodeText(header)) {
		return true
	}
	found := false
	walk(header, func(n *html.Node) {
		if found || n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		if uaPhraseRe.MatchString(attr(n, "alt")) {
			found = true
			return
		}
		src := attr(n, "src")
		if i := strings.LastIndexByte(src, '/'); i >= 0 {
			src = src[i+1:]
		}
		if siegeBannerFiles[strings.ToLower(src)] {
			found = true
		}
	})
	return found
}

// emblemURL finds a guild emblem image in the panel and resolves it against
// the upstream base URL.
func emblemURL(panel *html.Node, baseURL string) string {
	var src string
	walk(panel, func(n *html.Node) {
		if src != "" || n.Type != html.ElementNode || n.Data != "img" {
			return
		}
		alt := strings.ToLower(attr(n, "alt"))
		s := attr(n, "src")
		if strings.Contains(alt, "emblem") || strings.Contains(strings.ToLower(s), "emblem") {
			src = s
		}
	})
	if src == "" {
		return ""
	}
	if baseURL == "" {
		return src
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}

// parseEvents reads the recent-events table. Each row carries a relative-age
// cell and a text cell. Rows sharing the same age token land in one bucket
// and are spread one minute apart, preserving the document's newest-first
// ordering without falsely colocating them.
func parseEvents(table *html.Node, now time.Time) []Event {
	var events []Event
	bucketDepth := make(map[string]int)

	var rows []*html.Node
	walk(table, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
		}
	})

	for _, row := range rows {
		var cells []string
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
				cells = append(cells, normalizeSpace(nodeText(c)))
			}
		}
		if len(cells) < 2 {
			continue
		}
		age, text := cells[0], strings.Join(cells[1:], " ")
		dur, ok := parseAge(age)
		if !ok || text == "" {
			continue
		}

		ev := classifyEvent(text)
		ev.Age = age
		depth := bucketDepth[age]
		bucketDepth[age] = depth + 1
		ev.At = now.Add(-dur).Add(-time.Duration(depth) * time.Minute)
		events = append(events, ev)
	}
	return events
}

// classifyEvent applies the recognized row patterns in order.
func classifyEvent(text string) Event {
	ev := Event{Raw: text, Kind: EventOther}
	if m := captureRe.FindStringSubmatch(text); m != nil {
		ev.Kind = EventCaptured
		ev.KeepName = m[1]
		ev.KeepID = Slug(m[1])
		ev.NewOwner, _ = ParseRealm(m[2])
		ev.Leader = m[3]
		return ev
	}
	if m := underRe.FindStringSubmatch(text); m != nil {
		ev.Kind = EventUnderAttack
		ev.KeepName = m[1]
		ev.KeepID = Slug(m[1])
		return ev
	}
	if m := claimedRe.FindStringSubmatch(text); m != nil {
		ev.Kind = EventClaimed
		ev.KeepName = m[1]
		ev.KeepID = Slug(m[1])
		ev.Leader = m[2]
		return ev
	}
	if m := upgradeRe.FindStringSubmatch(text); m != nil {
		ev.Kind = EventUpgraded
		ev.KeepName = m[1]
		ev.KeepID = Slug(m[1])
		return ev
	}
	if relicRe.MatchString(text) {
		ev.Kind = EventRelicMoved
	}
	return ev
}

// parseAge reads a relative-time token like "3h ago" into a duration.
func parseAge(s string) (time.Duration, bool) {
	m := ageRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "m":
		return time.Duration(n) * time.Minute, true
	case "h":
		return time.Duration(n) * time.Hour, true
	case "d":
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}

// applyEvents marks keeps under attack from fresh UA events and records the
// most recent event instant per keep.
func applyEvents(snap *Snapshot, now time.Time, window time.Duration) {
	for i := range snap.Events {
		ev := &snap.Events[i]
		if ev.Kind != EventUnderAttack || ev.KeepID == "" {
			continue
		}
		if now.Sub(ev.At) > window {
			continue
		}
		k := snap.KeepByID(ev.KeepID)
		if k == nil {
			continue
		}
		k.UnderAttack = true
		if k.LastEvent == nil || ev.At.After(*k.LastEvent) {
			at := ev.At
			k.LastEvent = &at
		}
	}
	for i := range snap.Keeps {
		if snap.Keeps[i].HeaderUnderAttack {
			snap.Keeps[i].UnderAttack = true
		}
	}
}

// ownerFromClass maps the panel's keepinfo_{realm} marker to a realm.
func ownerFromClass(class string) (Realm, bool) {
	for _, tok := range strings.Fields(class) {
		if !strings.HasPrefix(tok, "keepinfo_") {
			continue
		}
		suffix := strings.TrimPrefix(tok, "keepinfo_")
		suffix = strings.TrimPrefix(suffix, "relic_")
		if r, ok := ParseRealm(suffix); ok {
			return r, true
		}
	}
	return "", false
}

// dfOwnerFromPanels infers the Darkness Falls owner from realm hints in the
// panel's imagery. Ambiguity falls back to the caller's default.
func dfOwnerFromPanels(panels []*html.Node) (Realm, bool) {
	for _, p := range panels {
		var owner Realm
		var ok bool
		walk(p, func(n *html.Node) {
			if ok || n.Type != html.ElementNode || n.Data != "img" {
				return
			}
			hint := strings.ToLower(attr(n, "src") + " " + attr(n, "alt"))
			switch {
			case strings.Contains(hint, "alb"):
				owner, ok = Albion, true
			case strings.Contains(hint, "mid"):
				owner, ok = Midgard, true
			case strings.Contains(hint, "hib"):
				owner, ok = Hibernia, true
			}
		})
		if ok {
			return owner, true
		}
	}
	return "", false
}

// ---- html tree helpers ----

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClassToken(class, token string) bool {
	for _, tok := range strings.Fields(class) {
		if tok == token {
			return true
		}
	}
	return false
}

func findByClassFragment(root *html.Node, fragment string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && strings.Contains(attr(n, "class"), fragment) {
			found = n
		}
	})
	return found
}

func firstElement(root *html.Node, name string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) {
		if found == nil && n.Type == html.ElementNode && n.Data == name {
			found = n
		}
	})
	return found
}

// nodeText returns the concatenated text content of a subtree.
func nodeText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	})
	return normalizeSpace(b.String())
}

// textLines splits a cell into visual lines: text nodes separated by <br>
// or block elements become separate lines.
func textLines(n *html.Node) []string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := normalizeSpace(cur.String()); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}
	var rec func(*html.Node)
	rec = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			cur.WriteString(c.Data)
		case c.Type == html.ElementNode && (c.Data == "br" || c.Data == "div" || c.Data == "p" || c.Data == "tr"):
			flush()
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			rec(gc)
		}
		if c.Type == html.ElementNode && (c.Data == "div" || c.Data == "p" || c.Data == "tr") {
			flush()
		}
	}
	rec(n)
	flush()
	return lines
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
