package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	appLog "howbehind/internal/log"
)

const (
	defaultFetchTimeout = 20 * time.Second
	defaultCacheSize    = 256
	maxFeedBytes        = 16 << 20
)

// ErrFeedTooLarge is returned for bodies over the configured size limit.
var ErrFeedTooLarge = errors.New("feed body too large")

// FetcherConfig controls how feeds are retrieved.
type FetcherConfig struct {
	// RelayURL, if set, is prefixed to the query-escaped feed URL, e.g.
	// "https://relay.example.com/timetable-proxy?url=".
	RelayURL string

	// Timeout bounds a single fetch. Zero uses defaultFetchTimeout.
	Timeout time.Duration

	// CacheSize is the number of feed bodies kept for conditional GETs.
	CacheSize int

	// MaxBytes caps the size of a feed body. Zero uses 16 MiB.
	MaxBytes int64
}

// cacheEntry holds the validators and body of the last 200 response for a
// feed URL.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
	UpdatedAt    time.Time
}

// Fetcher retrieves raw calendar text, revalidating with ETag /
// Last-Modified. A cached body is only reused on 304; network and HTTP
// failures are always reported so callers never mistake stale data for a
// successful fetch.
type Fetcher struct {
	client   *http.Client
	relay    string
	timeout  time.Duration
	maxBytes int64
	cache    *lru.Cache[string, cacheEntry]
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = maxFeedBytes
	}
	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fetch cache: %w", err)
	}
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		relay:    cfg.RelayURL,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		cache:    cache,
	}, nil
}

// Fetch returns the calendar body for feedURL.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	if feedURL == "" {
		return nil, ErrNoFeed
	}

	target := f.requestURL(feedURL)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.1")

	cached, haveCache := f.cache.Get(feedURL)
	if haveCache {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	appLog.Debug("feed fetch start", "url", appLog.RedactURL(feedURL), "relay", f.relay != "")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// One byte past the limit tells a full body from a truncated one.
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > f.maxBytes {
			return nil, fmt.Errorf("%w: over %d bytes", ErrFeedTooLarge, f.maxBytes)
		}
		f.cache.Add(feedURL, cacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			UpdatedAt:    time.Now().UTC(),
		})
		appLog.Info("feed fetch success", "url", appLog.RedactURL(feedURL), "bytes", len(body), "from_cache", false)
		return body, nil

	case http.StatusNotModified:
		if !haveCache || len(cached.Body) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("feed not modified; using cache", "url", appLog.RedactURL(feedURL))
		return cached.Body, nil

	default:
		return nil, fmt.Errorf("feed fetch: unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) requestURL(feedURL string) string {
	if f.relay == "" {
		return feedURL
	}
	return f.relay + url.QueryEscape(feedURL)
}
