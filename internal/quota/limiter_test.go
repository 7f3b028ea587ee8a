package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"patternhub/api_credits/pkg/logging"
)

func newTestLimiter(t *testing.T, limits map[string]int64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, logging.NewLogger(), limits), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "user-1", "free")
		if !d.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if d.Remaining != int64(2-i) {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}
}

func TestDeniesWhenWindowFull(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 2})
	ctx := context.Background()

	l.Allow(ctx, "user-1", "free")
	l.Allow(ctx, "user-1", "free")

	d := l.Allow(ctx, "user-1", "free")
	if d.Allowed {
		t.Fatal("expected denial when window is full")
	}
	if d.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", d.Remaining)
	}
	if d.Limit != 2 {
		t.Fatalf("expected limit 2, got %d", d.Limit)
	}
}

func TestSameInstantRequestsAllCounted(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 2})
	ctx := context.Background()

	// Freeze the clock so every request lands on the same score. Each one
	// must still occupy its own sorted-set entry.
	base := time.Now()
	l.now = func() time.Time { return base }

	var admitted int
	for i := 0; i < 4; i++ {
		if d := l.Allow(ctx, "user-1", "free"); d.Allowed {
			admitted++
		}
	}
	if admitted != 2 {
		t.Fatalf("limit 2 but %d requests admitted", admitted)
	}
}

func TestWindowSlidesOpen(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 1})
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	if d := l.Allow(ctx, "user-1", "free"); !d.Allowed {
		t.Fatal("expected first request allowed")
	}
	if d := l.Allow(ctx, "user-1", "free"); d.Allowed {
		t.Fatal("expected second request denied")
	}

	// Move past the window; the old entry is pruned and capacity returns.
	l.now = func() time.Time { return base.Add(Window + time.Minute) }
	if d := l.Allow(ctx, "user-1", "free"); !d.Allowed {
		t.Fatal("expected request allowed after window slid")
	}
}

func TestUsersAndRolesAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 1, "contributor": 1})
	ctx := context.Background()

	if d := l.Allow(ctx, "user-1", "free"); !d.Allowed {
		t.Fatal("expected user-1 allowed")
	}
	if d := l.Allow(ctx, "user-1", "free"); d.Allowed {
		t.Fatal("expected user-1 exhausted")
	}
	if d := l.Allow(ctx, "user-2", "free"); !d.Allowed {
		t.Fatal("expected user-2 unaffected by user-1's quota")
	}
	if d := l.Allow(ctx, "user-1", "contributor"); !d.Allowed {
		t.Fatal("expected separate bucket per role")
	}
}

func TestAdminBypassesQuota(t *testing.T) {
	l, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d := l.Allow(ctx, "admin-1", "admin")
		if !d.Allowed {
			t.Fatalf("request %d: expected admin to bypass quota", i+1)
		}
		if d.Limit != 0 {
			t.Fatalf("expected unlimited marker, got limit %d", d.Limit)
		}
	}
}

func TestUnknownRoleGetsFreeLimit(t *testing.T) {
	l, _ := newTestLimiter(t, map[string]int64{"free": 2})

	if limit := l.LimitForRole("mystery"); limit != 2 {
		t.Fatalf("expected unknown role to use free limit, got %d", limit)
	}
}

func TestFailsOpenWithoutRedis(t *testing.T) {
	l := NewLimiter(nil, logging.NewLogger(), map[string]int64{"free": 1})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if d := l.Allow(ctx, "user-1", "free"); !d.Allowed {
			t.Fatalf("request %d: expected fail-open without redis", i+1)
		}
	}
}

func TestFailsOpenWhenRedisDies(t *testing.T) {
	l, mr := newTestLimiter(t, map[string]int64{"free": 1})
	ctx := context.Background()

	l.Allow(ctx, "user-1", "free")
	mr.Close()

	if d := l.Allow(ctx, "user-1", "free"); !d.Allowed {
		t.Fatal("expected fail-open when redis is unreachable")
	}
}
