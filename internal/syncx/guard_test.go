package syncx

import (
	"sync"
	"testing"
)

func TestRWGuardBasics(t *testing.T) {
	g := NewRWGuard(10)

	if got := g.Get(); got != 10 {
		t.Fatalf("Get() = %d, want 10", got)
	}

	g.Set(20)
	g.Update(func(v int) int { return v + 5 })
	if got := g.Get(); got != 25 {
		t.Fatalf("after Set+Update, Get() = %d, want 25", got)
	}

	if old := g.Swap(1); old != 25 {
		t.Fatalf("Swap returned %d, want 25", old)
	}
	if got := g.Get(); got != 1 {
		t.Fatalf("after Swap, Get() = %d, want 1", got)
	}
}

func TestRWGuardReadWrite(t *testing.T) {
	g := NewRWGuard(map[string]bool{"light": true})

	g.Write(func(m *map[string]bool) {
		(*m)["printer"] = false
	})

	var printer, ok bool
	g.Read(func(m map[string]bool) {
		printer, ok = m["printer"]
	})
	if !ok || printer {
		t.Fatalf("printer = %v ok = %v, want false true", printer, ok)
	}
}

func TestRWGuardConcurrent(t *testing.T) {
	g := NewRWGuard(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Update(func(v int) int { return v + 1 })
		}()
	}
	wg.Wait()
	if got := g.Get(); got != 50 {
		t.Fatalf("Get() = %d, want 50", got)
	}
}
