package resources

import "testing"

func TestRead_ReturnsPlausibleSnapshot(t *testing.T) {
	s := Read()
	if s.GoroutineCount <= 0 {
		t.Fatal("expected at least one goroutine (the test itself)")
	}
	if s.HeapAllocBytes == 0 {
		t.Fatal("expected a non-zero heap allocation reading")
	}
}
