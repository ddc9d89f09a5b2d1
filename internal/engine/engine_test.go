package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/uthgardwatch/herald-sentinel/internal/config"
	"github.com/uthgardwatch/herald-sentinel/internal/detect"
	"github.com/uthgardwatch/herald-sentinel/internal/discord"
	"github.com/uthgardwatch/herald-sentinel/internal/herald"
	"github.com/uthgardwatch/herald-sentinel/internal/kv"
)

// warmapPage renders a minimal warmap document.
func warmapPage(bannerOn bool, eventRows string) string {
	banner := ""
	if bannerOn {
		banner = `<img src="/img/underattack.gif">`
	}
	return fmt.Sprintf(`<html><body>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Caer Benowyc<br>Level 4 Keep%s</div>
</div>
<div class="keepinfo keepinfo_alb">
  <div class="keepheader">Dun Crauchon<br>Level 1 Keep</div>
</div>
<table class="events">%s</table>
</body></html>`, banner, eventRows)
}

// hookRecorder is a scriptable webhook endpoint counting POSTs.
type hookRecorder struct {
	mu     sync.Mutex
	posts  int
	status []int
	server *httptest.Server
}

func newHookRecorder(status ...int) *hookRecorder {
	h := &hookRecorder{status: status}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		i := min(h.posts, len(h.status)-1)
		h.posts++
		w.WriteHeader(h.status[i])
	}))
	return h
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.posts
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		store    *kv.MemoryStore
		upstream *httptest.Server
		page     string
		pageMu   sync.Mutex
		uaHook   *hookRecorder
		capHook  *hookRecorder
		eng      *Engine
	)

	setPage := func(p string) {
		pageMu.Lock()
		defer pageMu.Unlock()
		page = p
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = kv.NewMemoryStore(0)
		setPage(warmapPage(false, ""))

		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pageMu.Lock()
			defer pageMu.Unlock()
			_, _ = w.Write([]byte(page))
		}))
		DeferCleanup(upstream.Close)

		uaHook = newHookRecorder(http.StatusNoContent)
		DeferCleanup(uaHook.server.Close)
		capHook = newHookRecorder(http.StatusNoContent)
		DeferCleanup(capHook.server.Close)

		cfg := &config.Config{
			WarmapURL:       upstream.URL,
			AttackWindow:    7 * time.Minute,
			CaptureWindow:   12 * time.Minute,
			UAWebhooks:      []string{uaHook.server.URL + "/hook/ua"},
			CaptureWebhooks: []string{capHook.server.URL + "/hook/cap"},
			BotUsername:     "Uthgard Herald",
		}

		sender := discord.NewSender(store, logr.Discard(), cfg.BotUsername)
		sender.BaseInterval = 0
		sender.GlobalFloor = 0
		sender.ChunkGap = 0

		eng = New(store, logr.Discard(), cfg, sender, nil)
	})

	Describe("Tick", func() {
		It("seeds baselines silently on the first sighting", func() {
			report, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Capture.Seeded).To(Equal(2))
			Expect(report.UADelivered).To(BeZero())
			Expect(report.CaptureDelivered).To(BeZero())
			Expect(capHook.count()).To(BeZero())

			owner, ok, _ := store.Get(ctx, detect.KeyOwner("caer-benowyc"))
			Expect(ok).To(BeTrue())
			Expect(owner).To(Equal("Midgard"))
		})

		It("alerts once for a new siege and stays silent on the next tick", func() {
			_, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())

			setPage(warmapPage(true, `<tr><td>1m ago</td><td>Caer Benowyc is under attack!</td></tr>`))
			report, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.UADelivered).To(Equal(1))
			Expect(uaHook.count()).To(Equal(1))

			// Identical world, one tick later: nothing new.
			report, err = eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.UADelivered).To(BeZero())
			Expect(uaHook.count()).To(Equal(1))
		})

		It("alerts once for a corroborated capture and advances the baseline", func() {
			_, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())

			// Dun Crauchon flips to Midgard with a fresh event row.
			setPage(`<html><body>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Caer Benowyc<br>Level 4 Keep</div>
</div>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Dun Crauchon<br>Level 1 Keep</div>
</div>
<table class="events">
<tr><td>2m ago</td><td>Dun Crauchon was captured by Midgard led by Ragnar.</td></tr>
</table>
</body></html>`)

			report, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CaptureDelivered).To(Equal(1))
			Expect(capHook.count()).To(Equal(1))

			owner, _, _ := store.Get(ctx, detect.KeyOwner("dun-crauchon"))
			Expect(owner).To(Equal("Midgard"))

			report, err = eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CaptureDelivered).To(BeZero())
			Expect(capHook.count()).To(Equal(1))
		})

		It("aborts the tick when the upstream fetch fails", func() {
			broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			DeferCleanup(broken.Close)
			eng.Config.WarmapURL = broken.URL

			_, err := eng.Tick(ctx)
			Expect(err).To(HaveOccurred())
			Expect(eng.Counters.FetchFailures.Load()).To(Equal(int64(1)))
		})

		It("never overwrites a good snapshot with a keepless parse", func() {
			_, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			snap, _, ok := eng.LastSnapshot(ctx)
			Expect(ok).To(BeTrue())
			Expect(snap.Keeps).To(HaveLen(2))

			setPage("<html><body><p>maintenance</p></body></html>")
			_, err = eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())

			snap, _, ok = eng.LastSnapshot(ctx)
			Expect(ok).To(BeTrue())
			Expect(snap.Keeps).To(HaveLen(2), "the degraded parse must not clobber the snapshot")
		})
	})

	Describe("delivery modes", func() {
		clearRetryState := func() {
			// Stand in for the next tick: cooldowns lapse and the minute
			// claim expires.
			eng.ClearCooldowns(ctx)
			keys, err := store.List(ctx, "ua:claim:", 0)
			Expect(err).NotTo(HaveOccurred())
			for _, k := range keys {
				Expect(store.Delete(ctx, k)).To(Succeed())
			}
		}

		It("commits dedupe state even on failed delivery by default", func() {
			failing := newHookRecorder(http.StatusInternalServerError)
			DeferCleanup(failing.server.Close)
			eng.Config.UAWebhooks = []string{failing.server.URL + "/hook"}

			sent, err := eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(BeZero())

			_, ok, _ := store.Get(ctx, detect.KeyUASession("caer-benowyc"))
			Expect(ok).To(BeTrue(), "freshness mode sacrifices the alert, not quiet")

			// The siege never re-fires.
			clearRetryState()
			sent, err = eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(BeZero())
		})

		It("withholds commits on failed delivery under strict mode", func() {
			hook := newHookRecorder(http.StatusInternalServerError, http.StatusNoContent)
			DeferCleanup(hook.server.Close)
			eng.Config.UAWebhooks = []string{hook.server.URL + "/hook"}

			Expect(eng.SetStrictDelivery(ctx, true)).To(Succeed())
			Expect(eng.StrictDelivery(ctx)).To(BeTrue())

			sent, err := eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(BeZero())

			_, ok, _ := store.Get(ctx, detect.KeyUASession("caer-benowyc"))
			Expect(ok).To(BeFalse(), "strict mode keeps the alert pending")

			// The failed delivery rolled its claim back; once the endpoint
			// cooldown lapses the retry delivers and stamps the session.
			eng.ClearCooldowns(ctx)
			sent, err = eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(1))

			_, ok, _ = store.Get(ctx, detect.KeyUASession("caer-benowyc"))
			Expect(ok).To(BeTrue())
		})

		It("retries a capture on the next tick under strict mode", func() {
			_, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())

			failThenPass := newHookRecorder(http.StatusInternalServerError, http.StatusNoContent)
			DeferCleanup(failThenPass.server.Close)
			eng.Config.CaptureWebhooks = []string{failThenPass.server.URL + "/hook"}
			Expect(eng.SetStrictDelivery(ctx, true)).To(Succeed())

			setPage(`<html><body>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Caer Benowyc<br>Level 4 Keep</div>
</div>
<div class="keepinfo keepinfo_mid">
  <div class="keepheader">Dun Crauchon<br>Level 1 Keep</div>
</div>
<table class="events">
<tr><td>2m ago</td><td>Dun Crauchon was captured by Midgard led by Ragnar.</td></tr>
</table>
</body></html>`)

			report, err := eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CaptureDelivered).To(BeZero())
			Expect(failThenPass.count()).To(Equal(1))

			owner, _, _ := store.Get(ctx, detect.KeyOwner("dun-crauchon"))
			Expect(owner).To(Equal("Albion"), "the baseline must keep the mismatch alive")

			// Next tick, no claim keys touched by hand: the cooldown lapses
			// and the same capture goes out.
			eng.ClearCooldowns(ctx)
			report, err = eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CaptureDelivered).To(Equal(1))
			Expect(failThenPass.count()).To(Equal(2))

			owner, _, _ = store.Get(ctx, detect.KeyOwner("dun-crauchon"))
			Expect(owner).To(Equal("Midgard"))

			// And a third tick stays silent.
			report, err = eng.Tick(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.CaptureDelivered).To(BeZero())
			Expect(failThenPass.count()).To(Equal(2))
		})

		It("waits out a briefly held channel gate instead of failing the batch", func() {
			eng.gateRetries = 5
			eng.gateRetryStep = 10 * time.Millisecond
			Expect(store.Put(ctx, "discord:gate:ua", "1", 20*time.Millisecond)).To(Succeed())

			sent, err := eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(1))
			Expect(uaHook.count()).To(Equal(1))
		})

		It("treats a gate held past the retry budget as a failed delivery", func() {
			eng.gateRetries = 2
			eng.gateRetryStep = time.Millisecond
			Expect(store.Put(ctx, "discord:gate:ua", "1", 0)).To(Succeed())

			sent, err := eng.SimulateUA(ctx, "Caer Benowyc", herald.Midgard)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(BeZero())
			Expect(uaHook.count()).To(BeZero())

			// Freshness mode still commits the dedupe state.
			_, ok, _ := store.Get(ctx, detect.KeyUASession("caer-benowyc"))
			Expect(ok).To(BeTrue())
		})

		It("reads the strict flag from KV over config", func() {
			Expect(eng.StrictDelivery(ctx)).To(BeFalse())
			Expect(eng.SetStrictDelivery(ctx, true)).To(Succeed())
			Expect(eng.StrictDelivery(ctx)).To(BeTrue())
			Expect(eng.SetStrictDelivery(ctx, false)).To(Succeed())
			Expect(eng.StrictDelivery(ctx)).To(BeFalse())
		})
	})

	Describe("simulation entry points", func() {
		It("drives the ownership flip path end to end", func() {
			sent, err := eng.SimulateOwnershipFlip(ctx, "Dun Crauchon", herald.Albion, herald.Hibernia)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(1))
			Expect(capHook.count()).To(Equal(1))

			owner, _, _ := store.Get(ctx, detect.KeyOwner("dun-crauchon"))
			Expect(owner).To(Equal("Hibernia"))
		})

		It("dedupes a simulated capture event against the real gates", func() {
			Expect(store.Put(ctx, detect.KeyOwner("dun-crauchon"), "Albion", 0)).To(Succeed())

			sent, err := eng.SimulateCaptureEvent(ctx, "Dun Crauchon", herald.Hibernia, "Liath")
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal(1))

			sent, err = eng.SimulateCaptureEvent(ctx, "Dun Crauchon", herald.Hibernia, "Liath")
			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(BeZero())
			Expect(capHook.count()).To(Equal(1))
		})
	})

	Describe("ClearCooldowns", func() {
		It("wipes webhook state keys only", func() {
			Expect(store.Put(ctx, "discord:cooldown:abc", "x", 0)).To(Succeed())
			Expect(store.Put(ctx, "discord:penalty:abc", "2", 0)).To(Succeed())
			Expect(store.Put(ctx, detect.KeyOwner("caer-benowyc"), "Midgard", 0)).To(Succeed())

			Expect(eng.ClearCooldowns(ctx)).To(Equal(2))

			_, ok, _ := store.Get(ctx, detect.KeyOwner("caer-benowyc"))
			Expect(ok).To(BeTrue())
		})
	})
})
