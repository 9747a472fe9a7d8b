package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	c := NewTTL[string, int](clock.Now)
	c.Set("a", 1, time.Minute)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit before expiry, got %d %v", v, ok)
	}
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected hit at 59s")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss at exactly the deadline")
	}
}

func TestTTLTakeRemoves(t *testing.T) {
	c := NewTTL[string, string](nil)
	c.Set("q", "quote", time.Minute)
	if v, ok := c.Take("q"); !ok || v != "quote" {
		t.Fatalf("first take: %q %v", v, ok)
	}
	if _, ok := c.Take("q"); ok {
		t.Fatalf("second take should miss")
	}
}

func TestTTLTakeConcurrentSingleWinner(t *testing.T) {
	c := NewTTL[string, int](nil)
	c.Set("k", 42, time.Minute)

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wins := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if v, ok := c.Take("k"); ok {
				wins <- v
			}
		}()
	}
	close(start)
	wg.Wait()
	close(wins)
	if len(wins) != 1 {
		t.Fatalf("expected exactly one Take to win, got %d", len(wins))
	}
}

func TestTTLSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := NewTTL[int, int](clock.Now)
	c.Set(1, 1, time.Second)
	c.Set(2, 2, time.Hour)
	clock.Advance(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", c.Len())
	}
}
