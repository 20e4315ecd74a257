// Package cache implements the response cache (C6): a content-addressed
// fingerprint -> Response memo with TTL expiry and an LRU size bound
// (spec §4.6).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/relaymux/relaymux/internal/adapter"
)

// Config holds the cache's tunables.
type Config struct {
	TTL time.Duration
	// MaxEntries bounds the cache by entry count (a simple, deterministic
	// proxy for "size bound"; entry byte sizes are not counted).
	MaxEntries int
	// SweepInterval controls how often expired entries are swept
	// proactively, in addition to the on-read TTL check.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, MaxEntries: 10000, SweepInterval: time.Minute}
}

type entry struct {
	response  adapter.Response
	insertedAt time.Time
	hitCount  int64
	sizeBytes int
}

// Cache is a process-local, size-bounded, TTL-expiring response memo. It
// makes no cross-process coherence claim (spec §4.6).
type Cache struct {
	cfg   Config
	lru   *lru.Cache[string, *entry]
	mu    sync.Mutex
	group singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Cache. An unset cfg.MaxEntries defaults to 10000; the other
// fields are used as given.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	l, _ := lru.New[string, *entry](cfg.MaxEntries)
	c := &Cache{cfg: cfg, lru: l, stopCh: make(chan struct{})}
	return c
}

// Fingerprint derives the cache key for a request, per spec §4.6:
// normalized prompt (trimmed, CRLF -> LF) hashed together with attachment
// content hashes and the semantic options that affect the response.
// preferred_backend is intentionally excluded — it is a hint, not part of
// the semantic request (see DESIGN.md's Open Question decision).
func Fingerprint(req *adapter.Request) string {
	h := sha256.New()

	normalized := strings.ReplaceAll(req.Prompt, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	h.Write([]byte(normalized))
	h.Write([]byte{0})

	for _, att := range req.Attachments {
		sum := sha256.Sum256(att)
		h.Write(sum[:])
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(int(req.Priority))))

	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up a fingerprint. A hit returns a copy of the stored Response
// with CacheHit set, and bumps the entry's hit counter.
func (c *Cache) Get(fingerprint string) (adapter.Response, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		c.mu.Unlock()
		return adapter.Response{}, false
	}
	if time.Since(e.insertedAt) >= c.cfg.TTL {
		c.lru.Remove(fingerprint)
		c.mu.Unlock()
		return adapter.Response{}, false
	}
	e.hitCount++
	c.mu.Unlock()

	resp := e.response
	resp.CacheHit = true
	return resp, true
}

// Put stores resp under fingerprint, unless bypassCache is set by the
// caller's request (checked by the caller, not here, so Put always writes
// when invoked).
func (c *Cache) Put(fingerprint string, resp adapter.Response) {
	resp.CacheHit = false
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fingerprint, &entry{
		response:   resp,
		insertedAt: time.Now(),
		sizeBytes:  len(resp.Text),
	})
}

// GetOrCompute coalesces concurrent misses for the same fingerprint into
// one in-flight compute — optional per spec §5 ("implementations MAY add
// single-flight if desired, but must not change observable correctness").
func (c *Cache) GetOrCompute(fingerprint string, compute func() (adapter.Response, error)) (adapter.Response, bool, error) {
	if resp, ok := c.Get(fingerprint); ok {
		return resp, true, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		if resp, ok := c.Get(fingerprint); ok {
			return resp, nil
		}
		resp, err := compute()
		if err != nil {
			return adapter.Response{}, err
		}
		c.Put(fingerprint, resp)
		return resp, nil
	})
	if err != nil {
		return adapter.Response{}, false, err
	}
	return v.(adapter.Response), false, nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// RunSweeper periodically evicts TTL-expired entries until ctx-equivalent
// Stop is called. Run this in its own goroutine at startup.
func (c *Cache) RunSweeper() {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.insertedAt) >= c.cfg.TTL {
			c.lru.Remove(key)
		}
	}
}

// Stop halts the background sweeper. Safe to call multiple times.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
