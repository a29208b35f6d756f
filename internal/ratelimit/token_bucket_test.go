package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeScripter answers every script evaluation with a fixed reply.
type fakeScripter struct {
	reply    any
	err      error
	lastKeys []string
	lastArgs []any
}

func (f *fakeScripter) eval(keys []string, args []any) *redis.Cmd {
	f.lastKeys, f.lastArgs = keys, args
	return redis.NewCmdResult(f.reply, f.err)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeScripter) EvalRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeScripter) EvalShaRO(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	return f.eval(keys, args)
}

func (f *fakeScripter) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeScripter) ScriptLoad(_ context.Context, _ string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestAllowParsesScriptReply(t *testing.T) {
	scripter := &fakeScripter{reply: []any{int64(0), int64(0), int64(1500), int64(60_000)}}
	bucket, err := NewRedisTokenBucket(scripter, 10, time.Minute, "")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	bucket.now = func() time.Time { return time.UnixMilli(42_000) }

	decision, err := bucket.Allow(context.Background(), " user-1 ")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if decision.Allowed || decision.RetryAfter != 1500*time.Millisecond {
		t.Fatalf("unexpected decision: %+v", decision)
	}
	if decision.Limit != 10 || decision.ResetAfter != time.Minute {
		t.Fatalf("unexpected limit fields: %+v", decision)
	}
	if len(scripter.lastKeys) != 1 || scripter.lastKeys[0] != "unwatermark:ratelimit:user-1" {
		t.Fatalf("unexpected keys %v", scripter.lastKeys)
	}
	if scripter.lastArgs[2] != int64(42_000) {
		t.Fatalf("expected now in ms as third arg, got %v", scripter.lastArgs[2])
	}
}

func TestAllowSurfacesErrors(t *testing.T) {
	bucket, err := NewRedisTokenBucket(&fakeScripter{err: errors.New("down")}, 1, time.Second, "rl")
	if err != nil {
		t.Fatalf("new bucket: %v", err)
	}
	if _, err := bucket.Allow(context.Background(), ""); err == nil {
		t.Fatal("expected redis error")
	}

	for _, reply := range []any{"OK", []any{int64(1), int64(2)}} {
		bucket, _ = NewRedisTokenBucket(&fakeScripter{reply: reply}, 1, time.Second, "rl")
		if _, err := bucket.Allow(context.Background(), "x"); err == nil {
			t.Fatalf("expected malformed reply error for %v", reply)
		}
	}
}

func TestNewRedisTokenBucketValidates(t *testing.T) {
	if _, err := NewRedisTokenBucket(nil, 1, time.Second, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := NewRedisTokenBucket(&fakeScripter{}, 0, time.Second, ""); err == nil {
		t.Fatal("expected error for zero capacity")
	}
	if _, err := NewRedisTokenBucket(&fakeScripter{}, 1, 0, ""); err == nil {
		t.Fatal("expected error for zero window")
	}
}
