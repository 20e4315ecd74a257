package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymux/relaymux/internal/adapter"
)

func TestFingerprint_Deterministic(t *testing.T) {
	req := &adapter.Request{Prompt: "hello"}
	assert.Equal(t, Fingerprint(req), Fingerprint(req))
}

func TestFingerprint_NormalizesLineEndingsAndWhitespace(t *testing.T) {
	a := &adapter.Request{Prompt: "hello\r\nworld"}
	b := &adapter.Request{Prompt: "  hello\nworld  "}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_IgnoresPreferredBackend(t *testing.T) {
	a := &adapter.Request{Prompt: "hi", PreferredBackend: "A"}
	b := &adapter.Request{Prompt: "hi", PreferredBackend: "B"}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_DiffersOnAttachments(t *testing.T) {
	a := &adapter.Request{Prompt: "hi", Attachments: []adapter.Attachment{[]byte("x")}}
	b := &adapter.Request{Prompt: "hi", Attachments: []adapter.Attachment{[]byte("y")}}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestCache_MissThenHit(t *testing.T) {
	c := New(DefaultConfig())
	fp := "key-1"

	_, ok := c.Get(fp)
	assert.False(t, ok)

	c.Put(fp, adapter.Response{Text: "hello", AdapterName: "A"})

	resp, ok := c.Get(fp)
	require.True(t, ok)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "A", resp.AdapterName)
}

func TestCache_TTLExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Millisecond
	c := New(cfg)

	c.Put("key-1", adapter.Response{Text: "hello"})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("key-1")
	assert.False(t, ok)
}

func TestCache_SizeBoundEvictsLRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := New(cfg)

	c.Put("a", adapter.Response{Text: "a"})
	c.Put("b", adapter.Response{Text: "b"})
	c.Put("c", adapter.Response{Text: "c"}) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_GetOrComputeCoalescesOnMiss(t *testing.T) {
	c := New(DefaultConfig())
	calls := 0

	resp, hit, err := c.GetOrCompute("key-1", func() (adapter.Response, error) {
		calls++
		return adapter.Response{Text: "computed"}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "computed", resp.Text)
	assert.Equal(t, 1, calls)

	resp2, hit2, err := c.GetOrCompute("key-1", func() (adapter.Response, error) {
		calls++
		return adapter.Response{Text: "should not run"}, nil
	})
	require.NoError(t, err)
	assert.True(t, hit2)
	assert.Equal(t, "computed", resp2.Text)
	assert.Equal(t, 1, calls)
}

func TestCache_GetOrComputePropagatesError(t *testing.T) {
	c := New(DefaultConfig())
	_, _, err := c.GetOrCompute("key-1", func() (adapter.Response, error) {
		return adapter.Response{}, errors.New("boom")
	})
	assert.Error(t, err)
}
