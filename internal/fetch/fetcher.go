// Package fetch retrieves HTML documents from the Uthgard Herald with
// cache-defeating query parameters and a strict timeout.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// UserAgent identifies the bot to the upstream.
const UserAgent = "UthgardHeraldBot/1.0"

// maxBodyBytes caps document reads; the warmap page is well under this.
const maxBodyBytes = 2 << 20

const defaultTimeout = 12 * time.Second

// Fetcher performs upstream GETs. A non-2xx response is fatal for the tick.
type Fetcher struct {
	Client *http.Client

	// now is swappable in tests; it feeds the cache-buster.
	now func() time.Time
}

// NewFetcher creates a Fetcher with the production timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: defaultTimeout},
		now:    time.Now,
	}
}

// Fetch GETs rawURL with a `_` cache-buster bucketed to 30 seconds, so
// retries inside one bucket may still hit upstream caches but successive
// ticks never do.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(f.now().Unix()/30, 10))
	u.RawQuery = q.Encode()

	return f.get(ctx, u.String())
}

// FetchRaw GETs rawURL as-is. Used for player profile pages.
func (f *Fetcher) FetchRaw(ctx context.Context, rawURL string) ([]byte, error) {
	return f.get(ctx, rawURL)
}

func (f *Fetcher) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("user-agent", UserAgent)
	req.Header.Set("cache-control", "no-cache")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
