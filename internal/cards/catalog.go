package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const catalogCacheKey = "catalog:cards"

// CatalogEntry is one known card from the remote catalog. Fingerprint is a
// hex-encoded 64-bit dHash of the card's reference image; entries without
// one can never be matched and are dropped during validation.
type CatalogEntry struct {
	Name        string `json:"name"`
	SetCode     string `json:"set_code"`
	Fingerprint string `json:"fingerprint"`
}

// Catalog fetches the card catalog over HTTP and caches it in Redis so the
// workers do not hammer the upstream on every job.
type Catalog struct {
	httpClient *http.Client
	cache      *redis.Client
	url        string
	ttl        time.Duration
}

// NewCatalog builds a catalog client. cache may be nil, in which case every
// load goes to the upstream.
func NewCatalog(cache *redis.Client, url string, timeout, ttl time.Duration) *Catalog {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Catalog{
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		url:        url,
		ttl:        ttl,
	}
}

// Load returns the validated catalog, preferring the cache.
func (c *Catalog) Load(ctx context.Context) ([]CatalogEntry, error) {
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, catalogCacheKey).Bytes(); err == nil {
			var entries []CatalogEntry
			if err := json.Unmarshal(raw, &entries); err == nil {
				return entries, nil
			}
			// Corrupt cache entry; fall through to a fresh fetch.
		}
	}

	entries, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(entries); err == nil {
			_ = c.cache.Set(ctx, catalogCacheKey, raw, c.ttl).Err()
		}
	}
	return entries, nil
}

func (c *Catalog) fetch(ctx context.Context) ([]CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch catalog: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var entries []CatalogEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	valid := make([]CatalogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.SetCode == "" || e.Fingerprint == "" {
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}
