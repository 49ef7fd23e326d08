package index

import (
	"fmt"
	"testing"
	"time"

	"tickproxy/internal/model"
)

var (
	reliance = model.NewTopic("zerodha", "NSE", "RELIANCE", model.ModeLTP)
	tcsDepth = model.NewTopic("zerodha", "NSE", "TCS", model.ModeDepth)
)

func TestAddReportsFirstSubscriber(t *testing.T) {
	x := New()
	if !x.Add("s1", reliance) {
		t.Fatalf("first subscriber not reported")
	}
	if x.Add("s2", reliance) {
		t.Fatalf("second subscriber reported as first")
	}
	if x.Add("s1", reliance) {
		t.Fatalf("repeat add reported as first")
	}
	if got := x.Count(reliance); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestRemoveReportsLastSubscriber(t *testing.T) {
	x := New()
	x.Add("s1", tcsDepth)
	x.Add("s2", tcsDepth)

	if x.Remove("s1", tcsDepth) {
		t.Fatalf("topic still has s2")
	}
	if x.Remove("s1", tcsDepth) {
		t.Fatalf("removing an absent pair must be a no-op")
	}
	if !x.Remove("s2", tcsDepth) {
		t.Fatalf("last subscriber not reported")
	}
	if x.Len() != 0 || x.Sessions() != 0 {
		t.Fatalf("index not empty: topics=%d sessions=%d", x.Len(), x.Sessions())
	}
}

func TestRemoveSession(t *testing.T) {
	x := New()
	x.Add("s1", reliance)
	x.Add("s1", tcsDepth)
	x.Add("s2", tcsDepth)

	emptied := x.RemoveSession("s1")
	if len(emptied) != 1 || emptied[0] != reliance {
		t.Fatalf("emptied = %v, want [%v]", emptied, reliance)
	}
	if x.Has("s1", tcsDepth) || !x.Has("s2", tcsDepth) {
		t.Fatalf("unexpected membership after RemoveSession")
	}
	if got := x.RemoveSession("s1"); got != nil {
		t.Fatalf("second RemoveSession = %v", got)
	}
}

func TestChurnDoesNotGrowIndex(t *testing.T) {
	x := New()
	th := NewThrottle(time.Millisecond)
	now := time.Now()

	x.Add("steady", reliance)
	for i := 0; i < 10000; i++ {
		id := SessionID(fmt.Sprintf("short-%d", i))
		topic := model.NewTopic("zerodha", "NSE", fmt.Sprintf("SYM%d", i%50), model.ModeQuote)
		x.Add(id, topic)
		x.Add(id, reliance)
		th.Allow(topic, now)
		for _, emptied := range x.RemoveSession(id) {
			th.Evict(emptied)
		}
	}

	if x.Len() != 1 || x.Sessions() != 1 {
		t.Fatalf("index leaked: topics=%d sessions=%d", x.Len(), x.Sessions())
	}
	if th.Len() != 0 {
		t.Fatalf("throttle leaked %d entries", th.Len())
	}
}

func TestThrottleAllow(t *testing.T) {
	th := NewThrottle(50 * time.Millisecond)
	start := time.Now()

	if !th.Allow(reliance, start) {
		t.Fatalf("first update must pass")
	}
	if th.Allow(reliance, start.Add(49*time.Millisecond)) {
		t.Fatalf("update within interval must be dropped")
	}
	if !th.Allow(tcsDepth, start.Add(10*time.Millisecond)) {
		t.Fatalf("topics are throttled independently")
	}
	if !th.Allow(reliance, start.Add(50*time.Millisecond)) {
		t.Fatalf("update at interval boundary must pass")
	}
}

func TestThrottleRateBound(t *testing.T) {
	interval := 50 * time.Millisecond
	th := NewThrottle(interval)
	start := time.Now()

	// 1000 updates/s for one second
	sent := 0
	for i := 0; i < 1000; i++ {
		if th.Allow(reliance, start.Add(time.Duration(i)*time.Millisecond)) {
			sent++
		}
	}
	if limit := int(time.Second/interval) + 1; sent > limit {
		t.Fatalf("sent %d updates, want at most %d", sent, limit)
	}
}

func TestThrottleEvictAndDisabled(t *testing.T) {
	th := NewThrottle(time.Hour)
	now := time.Now()
	th.Allow(reliance, now)
	th.Evict(reliance)
	if th.Len() != 0 {
		t.Fatalf("evict did not remove entry")
	}
	if !th.Allow(reliance, now) {
		t.Fatalf("evicted topic starts fresh")
	}

	off := NewThrottle(0)
	for i := 0; i < 3; i++ {
		if !off.Allow(reliance, now) {
			t.Fatalf("disabled throttle must allow everything")
		}
	}
	if off.Len() != 0 {
		t.Fatalf("disabled throttle should not track topics")
	}
}
