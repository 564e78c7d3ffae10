package cache

import "testing"

func TestLRUGetPut(t *testing.T) {
	l := NewLRU[string](10)

	l.Put("a", "1")
	v, ok := l.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", v, ok)
	}

	l.Put("a", "2")
	v, _ = l.Get("a")
	if v != "2" {
		t.Errorf("overwrite not applied, got %q", v)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestLRUMiss(t *testing.T) {
	l := NewLRU[string](10)
	if _, ok := l.Get("nope"); ok {
		t.Fatal("expected miss")
	}
}

func TestLRUEviction(t *testing.T) {
	l := NewLRU[string](2)

	l.Put("a", "1")
	l.Put("b", "2")
	l.Put("c", "3")

	if l.Contains("a") {
		t.Error("expected 'a' to be evicted")
	}
	if !l.Contains("b") || !l.Contains("c") {
		t.Error("expected 'b' and 'c' to remain")
	}

	// Touching 'b' makes 'c' the eviction candidate.
	l.Get("b")
	l.Put("d", "4")

	if !l.Contains("b") || !l.Contains("d") {
		t.Error("expected 'b' and 'd' to remain")
	}
	if l.Contains("c") {
		t.Error("expected 'c' to be evicted")
	}
}

func TestLRUCapacityInvariant(t *testing.T) {
	l := NewLRU[int](5)
	for i := 0; i < 100; i++ {
		l.Put(string(rune('a'+i%26)), i)
		if l.Len() > 5 {
			t.Fatalf("Len() = %d exceeds capacity after put %d", l.Len(), i)
		}
	}
}

func TestLRUNonPositiveCapacityClamped(t *testing.T) {
	l := NewLRU[string](0)

	l.Put("a", "1")
	l.Put("b", "2")

	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
	if !l.Contains("b") {
		t.Error("expected the newest entry to survive")
	}
}

func TestLRUContainsDoesNotPromote(t *testing.T) {
	l := NewLRU[string](2)

	l.Put("a", "1")
	l.Put("b", "2")

	// Contains must not refresh 'a'.
	if !l.Contains("a") {
		t.Fatal("expected 'a' present")
	}
	l.Put("c", "3")

	if l.Contains("a") {
		t.Error("Contains promoted 'a'; expected it evicted")
	}
}

func TestLRUDelete(t *testing.T) {
	l := NewLRU[string](10)

	l.Put("a", "1")
	l.Delete("a")
	if l.Contains("a") {
		t.Error("expected 'a' gone")
	}

	// Deleting a missing key is a no-op.
	l.Delete("missing")
}

func TestLRUResizeDeferred(t *testing.T) {
	l := NewLRU[string](3)

	l.Put("a", "1")
	l.Put("b", "2")
	l.Put("c", "3")

	l.Resize(2)
	if l.Len() != 3 {
		t.Fatalf("Resize applied immediately; Len() = %d, want 3", l.Len())
	}

	l.Put("d", "4")
	if l.Len() != 2 {
		t.Errorf("Len() = %d after mutation, want 2", l.Len())
	}
	if !l.Contains("d") {
		t.Error("expected newest entry to survive the shrink")
	}
}
