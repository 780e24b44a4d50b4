package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/domain/users"
)

var viewer = users.User{ID: "u-1", Username: "laozi", Role: users.RoleUser}

func newIssuer() (*auth.Issuer, *time.Time) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	clock := &now
	issuer := auth.NewIssuer("test-secret", time.Hour, 24*time.Hour, cache.NewMemory()).
		WithClock(func() time.Time { return *clock })
	return issuer, clock
}

func TestIssueAndParseAccess(t *testing.T) {
	issuer, clock := newIssuer()

	pair, err := issuer.IssuePair(viewer)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := issuer.ParseAccess(pair.Access)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.UserID != viewer.ID || claims.Username != viewer.Username || claims.Role != users.RoleUser {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := issuer.ParseAccess(pair.Refresh); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("refresh token must not pass as access token, got %v", err)
	}

	*clock = clock.Add(2 * time.Hour)
	if _, err := issuer.ParseAccess(pair.Access); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected expired token, got %v", err)
	}

	other := auth.NewIssuer("another-secret", time.Hour, time.Hour, nil)
	if _, err := other.ParseAccess(pair.Access); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestRefreshRotatesAndRevokes(t *testing.T) {
	issuer, _ := newIssuer()
	ctx := context.Background()

	pair, err := issuer.IssuePair(viewer)
	if err != nil {
		t.Fatal(err)
	}
	next, err := issuer.Refresh(ctx, pair.Refresh)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if next.Refresh == pair.Refresh {
		t.Fatalf("refresh token was not rotated")
	}
	if _, err := issuer.Refresh(ctx, pair.Refresh); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("expected old refresh token revoked, got %v", err)
	}

	if err := issuer.Revoke(ctx, next.Refresh); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := issuer.Refresh(ctx, next.Refresh); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("expected revoked token, got %v", err)
	}
}

// gatedCache holds every blacklist lookup until all callers have made one.
type gatedCache struct {
	cache.Cache
	gate *sync.WaitGroup
}

func (g gatedCache) Get(ctx context.Context, key string) ([]byte, error) {
	g.gate.Done()
	g.gate.Wait()
	return g.Cache.Get(ctx, key)
}

func TestConcurrentRefreshSucceedsOnce(t *testing.T) {
	const callers = 8
	gate := &sync.WaitGroup{}
	gate.Add(callers)
	issuer := auth.NewIssuer("test-secret", time.Hour, 24*time.Hour, gatedCache{Cache: cache.NewMemory(), gate: gate})

	pair, err := issuer.IssuePair(viewer)
	if err != nil {
		t.Fatal(err)
	}

	var ok, revoked atomic.Int32
	var wg sync.WaitGroup
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.Refresh(context.Background(), pair.Refresh)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, auth.ErrTokenRevoked):
				revoked.Add(1)
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 || revoked.Load() != callers-1 {
		t.Fatalf("expected 1 refresh and %d rejections, got %d and %d", callers-1, ok.Load(), revoked.Load())
	}
}

func TestMiddlewareGuards(t *testing.T) {
	issuer, _ := newIssuer()
	userPair, _ := issuer.IssuePair(viewer)
	adminPair, _ := issuer.IssuePair(users.User{ID: "a-1", Username: "admin", Role: users.RoleAdmin})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, found := auth.FromContext(r.Context()); !found {
			t.Errorf("identity missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	authn := auth.Authenticate(issuer)

	cases := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
	}{
		{"anonymous user route", authn(auth.RequireUser(ok)), "", http.StatusUnauthorized},
		{"user route", authn(auth.RequireUser(ok)), "Bearer " + userPair.Access, http.StatusNoContent},
		{"user on admin route", authn(auth.RequireAdmin(ok)), "Bearer " + userPair.Access, http.StatusForbidden},
		{"admin route", authn(auth.RequireAdmin(ok)), "Bearer " + adminPair.Access, http.StatusNoContent},
		{"garbage token", authn(auth.RequireUser(ok)), "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", authn(auth.RequireUser(ok)), "Basic abc", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			tc.handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := auth.NewRateLimiter(0.001, 2)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d throttled early: %d", i, code)
		}
	}
	if code := call("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := call("10.0.0.2:5000"); code != http.StatusOK {
		t.Fatalf("other clients must not be throttled, got %d", code)
	}
}
