package session

import (
	"sync"
	"testing"
	"time"
)

// newTestMap builds a TimeoutMap whose run executor serializes with the
// returned do function, and records expired entries.
func newTestMap(t *testing.T) (*TimeoutMap[string, int], func(func()), *expiryLog) {
	t.Helper()

	var mu sync.Mutex
	do := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		fn()
	}

	log := &expiryLog{}
	tm := NewTimeoutMap[string, int](do, log.record)
	return tm, do, log
}

type expiryLog struct {
	mu      sync.Mutex
	expired map[string]int
}

func (l *expiryLog) record(key string, value int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired == nil {
		l.expired = make(map[string]int)
	}
	l.expired[key] = value
}

func (l *expiryLog) get(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.expired[key]
	return v, ok
}

func (l *expiryLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.expired)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTimeoutMapSetGet(t *testing.T) {
	tm, do, _ := newTestMap(t)

	do(func() {
		tm.Set("a", 1, time.Minute)
		tm.Set("b", 2, time.Minute)

		if v, ok := tm.Get("a"); !ok || v != 1 {
			t.Errorf("Get(a) = %d,%v, want 1,true", v, ok)
		}
		if _, ok := tm.Get("missing"); ok {
			t.Error("Get on an absent key should miss")
		}
		if tm.Len() != 2 {
			t.Errorf("Len = %d, want 2", tm.Len())
		}

		// re-set replaces the value, not duplicates
		tm.Set("a", 9, time.Minute)
		if v, _ := tm.Get("a"); v != 9 {
			t.Errorf("Get(a) after re-set = %d, want 9", v)
		}
		if tm.Len() != 2 {
			t.Errorf("Len after re-set = %d, want 2", tm.Len())
		}
	})
}

func TestTimeoutMapExpiry(t *testing.T) {
	tm, do, log := newTestMap(t)

	do(func() {
		tm.Set("a", 42, 20*time.Millisecond)
	})

	waitUntil(t, "entry expiry", func() bool {
		_, ok := log.get("a")
		return ok
	})

	if v, _ := log.get("a"); v != 42 {
		t.Errorf("expired value = %d, want 42", v)
	}
	do(func() {
		if tm.Len() != 0 {
			t.Errorf("Len after expiry = %d, want 0", tm.Len())
		}
		if _, ok := tm.Get("a"); ok {
			t.Error("expired entry should be gone")
		}
	})
}

func TestTimeoutMapRemoveCancelsTimer(t *testing.T) {
	tm, do, log := newTestMap(t)

	do(func() {
		tm.Set("a", 1, 20*time.Millisecond)
		if v, ok := tm.Remove("a"); !ok || v != 1 {
			t.Errorf("Remove = %d,%v, want 1,true", v, ok)
		}
		if _, ok := tm.Remove("a"); ok {
			t.Error("second Remove should miss")
		}
	})

	time.Sleep(100 * time.Millisecond)
	if log.count() != 0 {
		t.Error("removed entry must not expire")
	}
}

func TestTimeoutMapReplaceResetsTimer(t *testing.T) {
	tm, do, log := newTestMap(t)

	do(func() {
		tm.Set("a", 1, 50*time.Millisecond)
	})
	time.Sleep(20 * time.Millisecond)
	do(func() {
		tm.Set("a", 2, 300*time.Millisecond)
	})

	// past the original deadline the replaced entry is still alive
	time.Sleep(80 * time.Millisecond)
	do(func() {
		if v, ok := tm.Get("a"); !ok || v != 2 {
			t.Fatalf("Get after replace = %d,%v, want 2,true", v, ok)
		}
	})
	if log.count() != 0 {
		t.Fatal("replaced entry expired on the old timer")
	}

	waitUntil(t, "replaced entry expiry", func() bool {
		_, ok := log.get("a")
		return ok
	})
	if v, _ := log.get("a"); v != 2 {
		t.Errorf("expired value = %d, want 2", v)
	}
}

func TestTimeoutMapExtend(t *testing.T) {
	tm, do, log := newTestMap(t)

	do(func() {
		if tm.Extend("missing", time.Minute) {
			t.Error("Extend on an absent key should fail")
		}

		tm.Set("a", 7, 40*time.Millisecond)
		if !tm.Extend("a", 300*time.Millisecond) {
			t.Error("Extend on a live key should succeed")
		}
	})

	time.Sleep(100 * time.Millisecond)
	do(func() {
		if _, ok := tm.Get("a"); !ok {
			t.Error("extended entry should outlive its original deadline")
		}
	})

	waitUntil(t, "extended entry expiry", func() bool {
		v, ok := log.get("a")
		return ok && v == 7
	})
}

func TestTimeoutMapClear(t *testing.T) {
	tm, do, log := newTestMap(t)

	do(func() {
		tm.Set("a", 1, 20*time.Millisecond)
		tm.Set("b", 2, 20*time.Millisecond)
		tm.Clear()
		if tm.Len() != 0 {
			t.Errorf("Len after Clear = %d, want 0", tm.Len())
		}
	})

	time.Sleep(100 * time.Millisecond)
	if log.count() != 0 {
		t.Error("cleared entries must not expire")
	}
}

func TestTimeoutMapForEach(t *testing.T) {
	tm, do, _ := newTestMap(t)

	do(func() {
		tm.Set("a", 1, time.Minute)
		tm.Set("b", 2, time.Minute)
		tm.Set("c", 3, time.Minute)

		visited := 0
		tm.ForEach(func(string, int) bool {
			visited++
			return true
		})
		if visited != 3 {
			t.Errorf("ForEach visited %d entries, want 3", visited)
		}

		// a false return stops the walk
		visited = 0
		tm.ForEach(func(string, int) bool {
			visited++
			return false
		})
		if visited != 1 {
			t.Errorf("ForEach with early stop visited %d entries, want 1", visited)
		}
	})
}
