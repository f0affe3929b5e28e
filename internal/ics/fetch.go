package ics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "trainsync/internal/log"
)

const (
	calendarMarker     = "BEGIN:VCALENDAR"
	acceptHeader       = "text/calendar, text/plain, */*"
	defaultUserAgent   = "trainsync/0.1"
	defaultMaxBodySize = 10 << 20
	defaultHTTPTimeout = 30 * time.Second
)

// Source represents a single team calendar feed.
type Source struct {
	// ID is used for logging only (normally the team id).
	ID string
	// URL is the feed endpoint as configured; it is normalized before use.
	URL string

	// Username / Password authenticate CalDAV sources.
	Username string
	Password string

	// From / To bound CalDAV time-range queries. Plain HTTP feeds ignore them.
	From time.Time
	To   time.Time
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source Source
	// URL is the normalized URL the body was finally read from.
	URL       string
	Body      []byte
	FromCache bool // true if we reused the cached body due to 304
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves calendar feeds. Plain HTTP feeds use conditional GETs
// (ETag / Last-Modified) backed by an on-disk cache; the cache only ever
// answers a 304 and never hides a failed fetch.
type Fetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
	maxBody   int64

	renderer PageRenderer
}

// PageRenderer returns the DOM of a page after its scripts ran. It is used
// for club pages that inject their calendar link with JavaScript.
type PageRenderer interface {
	RenderPage(ctx context.Context, pageURL string) ([]byte, error)
}

// SetRenderer enables rendered-page discovery when a static HTML page has
// no calendar link. A nil renderer disables it.
func (f *Fetcher) SetRenderer(r PageRenderer) {
	f.renderer = r
}

// NewFetcher creates a new feed Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories are
// stored, e.g. "/var/lib/trainsync/ics-cache". An empty cacheDir disables
// conditional requests.
func NewFetcher(cacheDir, userAgent string) *Fetcher {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		cacheDir:  cacheDir,
		userAgent: userAgent,
		maxBody:   defaultMaxBodySize,
	}
}

// Fetch retrieves one feed and checks that it looks like an iCalendar
// document. Errors are *InvalidURLError, *FetchError or *InvalidFeedError.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	feedURL, err := NormalizeFeedURL(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	if IsCalDAV(feedURL) {
		return f.fetchCalDAV(ctx, src, feedURL)
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", RedactURL(feedURL))

	res, err := f.get(ctx, feedURL)
	if err != nil {
		return FetchResult{}, err
	}

	// A calendar page instead of a feed: follow the advertised feed link once.
	if !res.fromCache && looksLikeHTML(res.contentType, res.body) {
		link, ok := discoverFeedLink(feedURL, res.body)
		if !ok {
			link, ok = f.discoverRendered(ctx, src, feedURL)
		}
		if !ok {
			return FetchResult{}, &InvalidFeedError{URL: feedURL, Reason: "received an HTML page without a calendar link"}
		}
		appLog.Info("ics feed discovered in html page", "id", src.ID, "url", RedactURL(link))
		feedURL = link
		if res, err = f.get(ctx, feedURL); err != nil {
			return FetchResult{}, err
		}
	}

	if err := validateBody(feedURL, res.body); err != nil {
		return FetchResult{}, err
	}

	if !res.fromCache && f.cacheDir != "" {
		if err := f.saveCache(feedURL, res.meta, res.body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", RedactURL(feedURL))
		}
	}

	appLog.Info("ics fetch success", "id", src.ID, "url", RedactURL(feedURL), "bytes", len(res.body), "from_cache", res.fromCache)

	return FetchResult{
		Source:    src,
		URL:       feedURL,
		Body:      res.body,
		FromCache: res.fromCache,
	}, nil
}

// discoverRendered retries discovery on the rendered DOM. Render failures
// are logged and reported as "no link".
func (f *Fetcher) discoverRendered(ctx context.Context, src Source, pageURL string) (string, bool) {
	if f.renderer == nil {
		return "", false
	}
	appLog.Info("ics rendering html page for feed discovery", "id", src.ID, "url", RedactURL(pageURL))
	dom, err := f.renderer.RenderPage(ctx, pageURL)
	if err != nil {
		appLog.Error("ics page render failed", err, "id", src.ID, "url", RedactURL(pageURL))
		return "", false
	}
	return discoverFeedLink(pageURL, dom)
}

type getResult struct {
	body        []byte
	contentType string
	fromCache   bool
	meta        cacheEntry
}

func (f *Fetcher) get(ctx context.Context, feedURL string) (getResult, error) {
	var (
		meta       cacheEntry
		cachedBody []byte
		cachePath  string
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(feedURL)
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return getResult{}, &FetchError{URL: feedURL, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)

	// Conditional headers only make sense when a body can answer a 304.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return getResult{}, &FetchError{URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return getResult{}, &FetchError{URL: feedURL, StatusCode: resp.StatusCode, Err: errors.New("304 Not Modified without cached body")}
		}
		appLog.Debug("ics fetch not modified; using cache", "url", RedactURL(feedURL))
		return getResult{body: cachedBody, contentType: "text/calendar", fromCache: true, meta: meta}, nil

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return getResult{}, &FetchError{URL: feedURL, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return getResult{}, &FetchError{URL: feedURL, StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(body)) > f.maxBody {
		return getResult{}, &InvalidFeedError{URL: feedURL, Reason: fmt.Sprintf("body exceeds %d bytes", f.maxBody)}
	}

	return getResult{
		body:        body,
		contentType: resp.Header.Get("Content-Type"),
		meta: cacheEntry{
			URL:          feedURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}

func validateBody(feedURL string, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &InvalidFeedError{URL: feedURL, Reason: "empty body"}
	}
	if !bytes.Contains(body, []byte(calendarMarker)) {
		return &InvalidFeedError{URL: feedURL, Reason: "missing " + calendarMarker}
	}
	return nil
}

func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") && !bytes.Contains(body, []byte(calendarMarker)) {
		return true
	}
	head := strings.ToLower(string(bytes.TrimSpace(body[:min(len(body), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(feedURL string, meta cacheEntry, body []byte) error {
	if meta.ETag == "" && meta.LastModified == "" {
		// Nothing to revalidate with.
		return nil
	}
	cachePath := f.cachePathForURL(feedURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// resolveLink resolves href against base and normalizes the result.
func resolveLink(base, href string) (string, bool) {
	b, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	out, err := NormalizeFeedURL(b.ResolveReference(ref).String())
	if err != nil || IsCalDAV(out) {
		return "", false
	}
	return out, true
}
