package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/unwatermark/internal/unwatermark"
	"github.com/redis/go-redis/v9"
)

type fakeKV struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func finished(jobID, output string) *unwatermark.WatermarkResult {
	return &unwatermark.WatermarkResult{
		Envelope: unwatermark.Envelope{
			Result: &unwatermark.JobResult{JobID: jobID, OutputImageURL: output},
		},
		InputDigest: "abc",
		Polls:       2,
	}
}

func TestResultCacheStoreThenLookup(t *testing.T) {
	store := newFakeKV()
	c := newResultCache(store, 0, "")

	if err := c.Store(context.Background(), "abc", finished("job-1", "https://cdn/out.png")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if store.ttls["unwatermark:result:abc"] != time.Hour {
		t.Fatalf("expected default ttl, got %s", store.ttls["unwatermark:result:abc"])
	}

	res, ok, err := c.Lookup(context.Background(), "abc")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%t err=%v", ok, err)
	}
	if res.JobID() != "job-1" || res.OutputImageURL() != "https://cdn/out.png" {
		t.Fatalf("unexpected cached result: %+v", res)
	}
}

func TestResultCacheMissAndErrors(t *testing.T) {
	store := newFakeKV()
	c := newResultCache(store, time.Minute, "test")

	if _, ok, err := c.Lookup(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%t err=%v", ok, err)
	}

	store.values["test:bad"] = "{not json"
	if _, _, err := c.Lookup(context.Background(), "bad"); err == nil {
		t.Fatal("expected decode error")
	}

	store.err = errors.New("connection refused")
	if _, _, err := c.Lookup(context.Background(), "abc"); err == nil {
		t.Fatal("expected redis error to surface")
	}
	if err := c.Store(context.Background(), "abc", finished("j", "https://cdn/x.png")); err == nil {
		t.Fatal("expected redis error on store")
	}
}

func TestResultCacheSkipsUnfinishedResults(t *testing.T) {
	store := newFakeKV()
	c := newResultCache(store, time.Minute, "")

	if err := c.Store(context.Background(), "abc", finished("job-1", "")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(store.values) != 0 {
		t.Fatal("expected results without output url to be skipped")
	}
}
