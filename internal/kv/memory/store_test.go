package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/missions/internal/kv/kvtest"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStoreConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kvtest.Harness {
		clock := &manualClock{now: time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)}
		return kvtest.Harness{Store: New(Config{Clock: clock.Now}), Advance: clock.Advance}
	})
}

func TestSharedReturnsSingleton(t *testing.T) {
	if Shared() != Shared() {
		t.Fatalf("expected Shared to return the same store")
	}
}
