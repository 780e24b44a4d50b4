package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/google/go-cmp/cmp"

	"github.com/daoistvideo/platform/internal/cache"
)

type backend struct {
	name    string
	cache   cache.Cache
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	mem := cache.NewMemory().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	s := miniredis.RunT(t)
	rc := cache.NewRedisWithPool(&redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	})
	t.Cleanup(func() { rc.Close() })

	return []backend{
		{name: "memory", cache: mem, advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}},
		{name: "redis", cache: rc, advance: s.FastForward},
	}
}

func TestSetGetExpire(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := b.cache.Get(ctx, "missing"); !errors.Is(err, cache.ErrMiss) {
				t.Fatalf("expected miss, got %v", err)
			}
			if err := b.cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
				t.Fatal(err)
			}
			got, err := b.cache.Get(ctx, "k")
			if err != nil || string(got) != "v" {
				t.Fatalf("unexpected value %q (%v)", got, err)
			}

			b.advance(2 * time.Minute)
			if _, err := b.cache.Get(ctx, "k"); !errors.Is(err, cache.ErrMiss) {
				t.Fatalf("expected expired key, got %v", err)
			}
		})
	}
}

func TestIncrementAndGetMany(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if _, err := b.cache.Increment(ctx, "hits", 2, time.Minute); err != nil {
					t.Fatal(err)
				}
			}
			n, err := b.cache.Increment(ctx, "hits", 1, time.Minute)
			if err != nil || n != 7 {
				t.Fatalf("expected 7, got %d (%v)", n, err)
			}

			if err := b.cache.Set(ctx, "a", []byte("1"), 0); err != nil {
				t.Fatal(err)
			}
			got, err := b.cache.GetMany(ctx, []string{"a", "hits", "nope"})
			if err != nil {
				t.Fatal(err)
			}
			want := map[string][]byte{"a": []byte("1"), "hits": []byte("7")}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("GetMany mismatch (-want +got):\n%s", diff)
			}

			if err := b.cache.Delete(ctx, "a", "hits"); err != nil {
				t.Fatal(err)
			}
			if _, err := b.cache.Get(ctx, "a"); !errors.Is(err, cache.ErrMiss) {
				t.Fatalf("expected deleted key, got %v", err)
			}
			if err := b.cache.Ping(ctx); err != nil {
				t.Fatalf("ping failed: %v", err)
			}
		})
	}
}

func TestGetOrSetFillsOnce(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			var calls atomic.Int32
			fill := func(context.Context) ([]byte, error) {
				calls.Add(1)
				return []byte("computed"), nil
			}

			for i := 0; i < 3; i++ {
				got, err := cache.GetOrSet(ctx, b.cache, "stats:"+b.name, 0, fill)
				if err != nil || string(got) != "computed" {
					t.Fatalf("unexpected fill %q (%v)", got, err)
				}
			}
			if calls.Load() != 1 {
				t.Fatalf("expected one fill, got %d", calls.Load())
			}

			boom := errors.New("boom")
			if _, err := cache.GetOrSet(ctx, b.cache, "broken:"+b.name, time.Second, func(context.Context) ([]byte, error) {
				return nil, boom
			}); !errors.Is(err, boom) {
				t.Fatalf("expected fill error, got %v", err)
			}
		})
	}
}

func TestGetOrSetKeepsCachesApart(t *testing.T) {
	ctx := context.Background()
	a, b := cache.NewMemory(), cache.NewMemory()

	started, release := make(chan struct{}), make(chan struct{})
	doneA := make(chan error, 1)
	go func() {
		_, err := cache.GetOrSet(ctx, a, "shared", time.Minute, func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("from a"), nil
		})
		doneA <- err
	}()
	<-started

	doneB := make(chan error, 1)
	go func() {
		got, err := cache.GetOrSet(ctx, b, "shared", time.Minute, func(context.Context) ([]byte, error) {
			return []byte("from b"), nil
		})
		if err == nil && string(got) != "from b" {
			err = errors.New("cache b got " + string(got))
		}
		doneB <- err
	}()
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fill on b waited for the fill on a")
	}
	close(release)
	if err := <-doneA; err != nil {
		t.Fatal(err)
	}

	for name, c := range map[string]cache.Cache{"from a": a, "from b": b} {
		got, err := c.Get(ctx, "shared")
		if err != nil || string(got) != name {
			t.Fatalf("expected %q stored, got %q (%v)", name, got, err)
		}
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	in := map[string]int{"videos": 3}
	if err := cache.SetJSON(ctx, c, "summary", in, time.Minute); err != nil {
		t.Fatal(err)
	}
	var out map[string]int
	if err := cache.GetJSON(ctx, c, "summary", &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
