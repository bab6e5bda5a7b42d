package shader

import (
	"errors"
	"testing"
)

// countingCompiler counts Compile calls and fails for source "bad".
type countingCompiler struct {
	calls int
}

func (c *countingCompiler) Compile(name, source string) (*Library, error) {
	c.calls++
	if source == "bad" {
		return nil, ErrEmptyLibrary
	}
	return &Library{Name: name, Exports: EntryPoints(source)}, nil
}

func TestCachedCompilerHits(t *testing.T) {
	inner := &countingCompiler{}
	c := NewCachedCompiler(inner, 0)

	a, err := c.Compile("lib", defaultSource)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Compile("lib", defaultSource)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second Compile did not return the cached library")
	}
	if _, err := c.Compile("other", defaultSource); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
	n, hits, misses := c.Stats()
	if n != 2 || hits != 1 || misses != 2 {
		t.Errorf("Stats = %d entries, %d hits, %d misses; want 2, 1, 2", n, hits, misses)
	}
}

func TestCachedCompilerSkipsFailures(t *testing.T) {
	inner := &countingCompiler{}
	c := NewCachedCompiler(inner, 0)

	for range 2 {
		if _, err := c.Compile("lib", "bad"); !errors.Is(err, ErrEmptyLibrary) {
			t.Fatalf("Compile error = %v, want %v", err, ErrEmptyLibrary)
		}
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCachedCompilerEvictsOldest(t *testing.T) {
	inner := &countingCompiler{}
	c := NewCachedCompiler(inner, 4)

	sources := []string{"a", "b", "c", "d"}
	for _, s := range sources {
		if _, err := c.Compile(s, ""); err != nil {
			t.Fatal(err)
		}
	}
	// Touch "a" so "b" is the oldest.
	if _, err := c.Compile("a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compile("e", ""); err != nil {
		t.Fatal(err)
	}

	n, _, _ := c.Stats()
	if n != 3 {
		t.Fatalf("entries after eviction = %d, want 3", n)
	}
	before := inner.calls
	if _, err := c.Compile("a", ""); err != nil {
		t.Fatal(err)
	}
	if inner.calls != before {
		t.Error("recently used entry was evicted")
	}
	if _, err := c.Compile("b", ""); err != nil {
		t.Fatal(err)
	}
	if inner.calls != before+1 {
		t.Error("oldest entry was not evicted")
	}
}
