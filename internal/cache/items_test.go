package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/zach-source/vaultagent/internal/vault"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type countingSessions struct {
	mu      sync.Mutex
	token   string
	err     error
	reasons []string
}

func (s *countingSessions) GetSession(ctx context.Context, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
	return s.token, s.err
}

type countingLister struct {
	mu     sync.Mutex
	items  []vault.Item
	err    error
	calls  int
	tokens []string
	block  chan struct{}
}

func (l *countingLister) ListKeyItems(ctx context.Context, token string) ([]vault.Item, error) {
	l.mu.Lock()
	l.calls++
	l.tokens = append(l.tokens, token)
	block := l.block
	l.mu.Unlock()
	if block != nil {
		<-block
	}
	return l.items, l.err
}

func (l *countingLister) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleItems() []vault.Item {
	return []vault.Item{{ID: "1", Name: "work"}, {ID: "2", Name: "personal"}}
}

func TestItems_FillAndHit(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	sessions := &countingSessions{token: "tok"}
	lister := &countingLister{items: sampleItems()}
	c := NewItems(5*time.Minute, sessions, lister, WithClock(clk))
	ctx := context.Background()

	items, err := c.Get(ctx, "SSH Agent: list identities")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}

	clk.Step(4 * time.Minute)
	if _, err := c.Get(ctx, "again"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}

	if lister.count() != 1 {
		t.Errorf("Expected a single vault listing, got %d", lister.count())
	}
	if len(sessions.reasons) != 1 || sessions.reasons[0] != "SSH Agent: list identities" {
		t.Errorf("Unexpected session requests %v", sessions.reasons)
	}

	size, hits, misses, _ := c.Stats()
	if size != 2 || hits != 1 || misses != 1 {
		t.Errorf("Expected size=2 hits=1 misses=1, got size=%d hits=%d misses=%d", size, hits, misses)
	}
}

func TestItems_TTL(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	lister := &countingLister{items: sampleItems()}
	c := NewItems(5*time.Minute, &countingSessions{token: "tok"}, lister, WithClock(clk))
	ctx := context.Background()

	if _, err := c.Get(ctx, ""); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Access does not extend validity; the fill time does.
	clk.Step(3 * time.Minute)
	c.Get(ctx, "")
	clk.Step(2 * time.Minute)
	if _, err := c.Get(ctx, ""); err != nil {
		t.Fatalf("Get after ttl failed: %v", err)
	}

	if lister.count() != 2 {
		t.Errorf("Expected a refill once the ttl elapsed, got %d listings", lister.count())
	}
}

func TestItems_GetWithToken(t *testing.T) {
	sessions := &countingSessions{token: "from-session"}
	lister := &countingLister{items: sampleItems()}
	c := NewItems(time.Minute, sessions, lister, WithClock(testingclock.NewFakeClock(epoch)))

	if _, err := c.GetWithToken(context.Background(), "held"); err != nil {
		t.Fatalf("GetWithToken failed: %v", err)
	}
	if len(sessions.reasons) != 0 {
		t.Error("Expected no session request when a token is supplied")
	}
	if lister.tokens[0] != "held" {
		t.Errorf("Expected lister to receive the held token, got %q", lister.tokens[0])
	}
}

func TestItems_EmptyResultIsNotCached(t *testing.T) {
	lister := &countingLister{}
	c := NewItems(time.Minute, &countingSessions{token: "tok"}, lister, WithClock(testingclock.NewFakeClock(epoch)))
	ctx := context.Background()

	c.Get(ctx, "")
	c.Get(ctx, "")
	if lister.count() != 2 {
		t.Errorf("Expected empty results to be refetched, got %d listings", lister.count())
	}
}

func TestItems_Errors(t *testing.T) {
	sessionErr := errors.New("denied")
	listErr := errors.New("bw failed")

	tests := []struct {
		name     string
		sessions *countingSessions
		lister   *countingLister
		wantErr  error
	}{
		{"session error", &countingSessions{err: sessionErr}, &countingLister{items: sampleItems()}, sessionErr},
		{"list error", &countingSessions{token: "tok"}, &countingLister{err: listErr}, listErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewItems(time.Minute, tt.sessions, tt.lister, WithClock(testingclock.NewFakeClock(epoch)))
			if _, err := c.Get(context.Background(), "reason"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if size, _, _, _ := c.Stats(); size != 0 {
				t.Errorf("Expected empty cache after error, got %d", size)
			}
		})
	}
}

func TestItems_ClearAndCleanup(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	lister := &countingLister{items: sampleItems()}
	c := NewItems(5*time.Minute, &countingSessions{token: "tok"}, lister, WithClock(clk))
	ctx := context.Background()

	c.Get(ctx, "")
	c.Clear()
	if size, _, _, _ := c.Stats(); size != 0 {
		t.Fatalf("Expected empty cache after Clear, got %d", size)
	}

	c.Get(ctx, "")
	clk.Step(4 * time.Minute)
	if c.CleanupExpired() {
		t.Fatal("Expected no cleanup before the deadline")
	}

	// A lookup pushes the auto-clear deadline.
	clk.Step(30 * time.Second)
	c.Get(ctx, "")
	clk.Step(4*time.Minute + 40*time.Second)
	if c.CleanupExpired() {
		t.Fatal("Expected access to push the auto-clear deadline")
	}

	clk.Step(time.Minute)
	if !c.CleanupExpired() {
		t.Fatal("Expected cleanup once the deadline passed")
	}
	if size, _, _, _ := c.Stats(); size != 0 {
		t.Errorf("Expected empty cache after cleanup, got %d", size)
	}
}

func TestItems_RunClearsOnTick(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	c := NewItems(time.Minute, &countingSessions{token: "tok"}, &countingLister{items: sampleItems()}, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Get(ctx, "")

	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Second)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("Run never registered its ticker")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Step(time.Minute)

	for {
		if size, _, _, _ := c.Stats(); size == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not clear the cache")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}

func TestItems_ConcurrentRefillCoalesced(t *testing.T) {
	release := make(chan struct{})
	lister := &countingLister{items: sampleItems(), block: release}
	c := NewItems(time.Minute, &countingSessions{token: "tok"}, lister, WithClock(testingclock.NewFakeClock(epoch)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), ""); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if lister.count() != 1 {
		t.Errorf("Expected concurrent refills to share one listing, got %d", lister.count())
	}
}
