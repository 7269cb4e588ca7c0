package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type fakeSeeder struct {
	mu  sync.Mutex
	max map[string]int
}

func (f *fakeSeeder) MaxNumber(ctx context.Context, prefix, queueDate string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max[prefix+"|"+queueDate], nil
}

func (f *fakeSeeder) set(prefix, day string, value int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.max == nil {
		f.max = make(map[string]int)
	}
	f.max[prefix+"|"+day] = value
}

func drawConcurrently(t *testing.T, alloc Allocator, prefix, day string, n int) []int {
	t.Helper()
	var mu sync.Mutex
	numbers := make([]int, 0, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			number, err := alloc.Next(context.Background(), prefix, day)
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, number)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	sort.Ints(numbers)
	return numbers
}

func assertOneToN(t *testing.T, numbers []int, n int) {
	t.Helper()
	if len(numbers) != n {
		t.Fatalf("expected %d numbers, got %d", n, len(numbers))
	}
	for i, number := range numbers {
		if number != i+1 {
			t.Fatalf("expected contiguous numbers 1..%d, got %v", n, numbers)
		}
	}
}

func TestMemoryConcurrentNextIsContiguous(t *testing.T) {
	alloc := NewMemory(nil)
	numbers := drawConcurrently(t, alloc, "CW", "2026-05-04", 200)
	assertOneToN(t, numbers, 200)
}

func TestMemoryDayRollover(t *testing.T) {
	ctx := context.Background()
	alloc := NewMemory(nil)

	for want := 1; want <= 2; want++ {
		got, err := alloc.Next(ctx, "P", "2026-05-04")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	got, err := alloc.Next(ctx, "P", "2026-05-05")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected numbering to restart at 1, got %d", got)
	}
	if alloc.Len() != 1 {
		t.Fatalf("expected previous day to be dropped, have %d keys", alloc.Len())
	}
}

func TestMemoryPrefixesAreIndependent(t *testing.T) {
	ctx := context.Background()
	alloc := NewMemory(nil)
	_, _ = alloc.Next(ctx, "CW", "2026-05-04")
	_, _ = alloc.Next(ctx, "CW", "2026-05-04")
	got, _ := alloc.Next(ctx, "P", "2026-05-04")
	if got != 1 {
		t.Fatalf("expected 1 for a fresh prefix, got %d", got)
	}
}

func TestMemorySeedsAndResyncsFromStore(t *testing.T) {
	ctx := context.Background()
	seed := &fakeSeeder{}
	seed.set("CW", "2026-05-04", 7)
	alloc := NewMemory(seed)

	got, err := alloc.Next(ctx, "CW", "2026-05-04")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 8 {
		t.Fatalf("expected to continue after stored max, got %d", got)
	}

	seed.set("CW", "2026-05-04", 20)
	if err := alloc.Resync(ctx, "CW", "2026-05-04"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	got, _ = alloc.Next(ctx, "CW", "2026-05-04")
	if got != 21 {
		t.Fatalf("expected 21 after resync, got %d", got)
	}
}

func TestDayUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*60*60)
	instant := time.Date(2026, 5, 4, 18, 30, 0, 0, time.UTC)
	if got := Day(instant, loc); got != "2026-05-05" {
		t.Fatalf("expected local day 2026-05-05, got %s", got)
	}
	if got := Day(instant, time.UTC); got != "2026-05-04" {
		t.Fatalf("expected UTC day 2026-05-04, got %s", got)
	}
}

func newRedis(t *testing.T, seed Seeder) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, seed), mr
}

func TestRedisConcurrentNextIsContiguous(t *testing.T) {
	alloc, _ := newRedis(t, nil)
	numbers := drawConcurrently(t, alloc, "CW", "2026-05-04", 50)
	assertOneToN(t, numbers, 50)
}

func TestRedisSeedsFromStoreAndSetsExpiry(t *testing.T) {
	ctx := context.Background()
	seed := &fakeSeeder{}
	seed.set("CW", "2026-05-04", 4)
	alloc, mr := newRedis(t, seed)

	got, err := alloc.Next(ctx, "CW", "2026-05-04")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if ttl := mr.TTL(RedisKey("CW", "2026-05-04")); ttl <= 0 {
		t.Fatalf("expected key to expire, ttl=%v", ttl)
	}

	got, _ = alloc.Next(ctx, "CW", "2026-05-05")
	if got != 1 {
		t.Fatalf("expected a new day to start at 1, got %d", got)
	}
}

func TestRedisResyncNeverLowers(t *testing.T) {
	ctx := context.Background()
	seed := &fakeSeeder{}
	alloc, _ := newRedis(t, seed)

	for i := 0; i < 3; i++ {
		if _, err := alloc.Next(ctx, "P", "2026-05-04"); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	seed.set("P", "2026-05-04", 1)
	if err := alloc.Resync(ctx, "P", "2026-05-04"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	got, _ := alloc.Next(ctx, "P", "2026-05-04")
	if got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}

	seed.set("P", "2026-05-04", 10)
	if err := alloc.Resync(ctx, "P", "2026-05-04"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	got, _ = alloc.Next(ctx, "P", "2026-05-04")
	if got != 11 {
		t.Fatalf("expected 11, got %d", got)
	}
}

type fakeCounter struct {
	next    int
	resyncs int
}

func (f *fakeCounter) NextNumber(ctx context.Context, prefix, queueDate string) (int, error) {
	f.next++
	return f.next, nil
}

func (f *fakeCounter) Resync(ctx context.Context, prefix, queueDate string) error {
	f.resyncs++
	return nil
}

func TestFromStore(t *testing.T) {
	counter := &fakeCounter{}
	alloc := FromStore(counter)
	got, err := alloc.Next(context.Background(), "CW", "2026-05-04")
	if err != nil || got != 1 {
		t.Fatalf("unexpected result %d, %v", got, err)
	}
	rs, ok := alloc.(Resyncer)
	if !ok {
		t.Fatal("store allocator should resync")
	}
	if err := rs.Resync(context.Background(), "CW", "2026-05-04"); err != nil || counter.resyncs != 1 {
		t.Fatalf("resync: %v (calls %d)", err, counter.resyncs)
	}
}

func TestRedisDropsSeededKeysFromEarlierDays(t *testing.T) {
	ctx := context.Background()
	alloc, _ := newRedis(t, &fakeSeeder{})

	for _, prefix := range []string{"CW", "P"} {
		if _, err := alloc.Next(ctx, prefix, "2026-05-04"); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if alloc.Len() != 2 {
		t.Fatalf("expected two seeded keys, have %d", alloc.Len())
	}

	got, err := alloc.Next(ctx, "CW", "2026-05-05")
	if err != nil || got != 1 {
		t.Fatalf("expected 1 on the new day, got %d (%v)", got, err)
	}
	if alloc.Len() != 1 {
		t.Fatalf("expected earlier days to be dropped, have %d keys", alloc.Len())
	}
}
