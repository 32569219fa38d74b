package cards

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const catalogBody = `[
	{"name": "Elsa - Snow Queen", "set_code": "TFC", "fingerprint": "a5a5a5a5a5a5a5a5"},
	{"name": "Missing Fingerprint", "set_code": "TFC", "fingerprint": ""},
	{"name": "", "set_code": "TFC", "fingerprint": "ffffffffffffffff"},
	{"name": "Mickey Mouse - Brave Little Tailor", "set_code": "TFC", "fingerprint": "0f0f0f0f0f0f0f0f"}
]`

func TestCatalogValidatesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(catalogBody))
	}))
	defer srv.Close()

	c := NewCatalog(nil, srv.URL, time.Second, time.Minute)
	entries, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected invalid entries dropped, got %d", len(entries))
	}
	if entries[0].Name != "Elsa - Snow Queen" || entries[1].Name != "Mickey Mouse - Brave Little Tailor" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestCatalogServesFromCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(catalogBody))
	}))

	c := NewCatalog(cache, srv.URL, time.Second, time.Minute)
	if _, err := c.Load(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected one upstream hit, got %d", n)
	}

	// Kill the upstream: the cache must carry subsequent loads.
	srv.Close()
	entries, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected cached entries, got %d", len(entries))
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("cached load must not hit upstream, got %d hits", n)
	}
}
