package lb

import (
	"fmt"
	"testing"
)

func TestHashStable(t *testing.T) {
	h, err := NewHash(8)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		sig := fmt.Sprint("10.0.0.", i, ":5000")
		first := h.Pick(sig)
		if first < 0 || first >= 8 {
			t.Fatalf("pick out of range: %d", first)
		}
		for j := 0; j < 5; j++ {
			if got := h.Pick(sig); got != first {
				t.Fatalf("pick not stable for %s: %d != %d", sig, got, first)
			}
		}
	}
}

func TestHashSingleWorker(t *testing.T) {
	h, _ := NewHash(1)
	if got := h.Pick("whatever"); got != 0 {
		t.Fatalf("single worker pick = %d", got)
	}
	if _, err := NewHash(0); err == nil {
		t.Fatal("expected error for zero workers")
	}
}
