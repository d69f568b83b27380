package capset

import (
	"testing"

	"github.com/tsouche/funny-set-exploration/card"
)

func mustRecord(t *testing.T, size uint8, maxCard int, prefix, remaining []int) Record {
	t.Helper()
	r, err := FromSlices(size, maxCard, prefix, remaining)
	if err != nil {
		t.Fatalf("FromSlices: %v", err)
	}
	return r
}

func TestExtendValidatesDescendants(t *testing.T) {
	// Every card above 5 except third(0,5) = 7 and third(1,5) = 6
	// (third(0,1) = 2 is already below max_card).
	remaining := make([]int, 0, 78)
	for c := 6; c < 81; c++ {
		if c == card.Third(0, 5) || c == card.Third(1, 5) {
			continue
		}
		remaining = append(remaining, c)
	}
	r := mustRecord(t, 3, 5, []int{0, 1, 5}, remaining)
	children, err := Extend(&r)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if len(children) == 0 {
		t.Fatalf("expected at least one descendant")
	}
	for _, child := range children {
		if err := child.Validate(); err != nil {
			t.Fatalf("invalid descendant: %v", err)
		}
		if child.Size != r.Size+1 {
			t.Fatalf("expected descendant size %d, got %d", r.Size+1, child.Size)
		}
	}
}

func TestExtendEmptyRemaining(t *testing.T) {
	r := mustRecord(t, 3, 5, []int{0, 1, 5}, nil)
	children, err := Extend(&r)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if children != nil {
		t.Fatalf("expected no descendants from an exhausted record")
	}
}

func TestValidateRejectsSetTriple(t *testing.T) {
	// 0, 40, 80 is a SET triple (see card package tests).
	r := mustRecord(t, 3, 80, []int{0, 40, 80}, nil)
	if err := r.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a prefix containing a SET")
	}
}

func TestValidateRejectsUnordered(t *testing.T) {
	r := mustRecord(t, 3, 5, []int{5, 1, 0}, nil)
	if err := r.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an unordered prefix")
	}
}

func TestValidateRejectsRemainingBelowMaxCard(t *testing.T) {
	r := mustRecord(t, 3, 5, []int{0, 1, 5}, []int{4, 6})
	if err := r.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a remaining candidate not exceeding max_card")
	}
}

func TestValidateRejectsUnorderedRemaining(t *testing.T) {
	r := mustRecord(t, 3, 5, []int{0, 1, 5}, []int{8, 6})
	if err := r.Validate(); err == nil {
		t.Fatalf("expected Validate to reject an unordered remaining list")
	}
}

func TestValidateRejectsRemainingCompletingSet(t *testing.T) {
	// third(1,5) = 6, so a remaining list retaining 6 alongside prefix
	// [0,1,5] would let 6 complete a SET with the prefix pair (1,5).
	r := mustRecord(t, 3, 5, []int{0, 1, 5}, []int{6, 8})
	if err := r.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a remaining candidate completing a SET with a prefix pair")
	}
}

func TestFromSlicesCapacity(t *testing.T) {
	oversized := make([]int, MaxPrefix+1)
	if _, err := FromSlices(0, 0, oversized, nil); err == nil {
		t.Fatalf("expected capacity error for oversized prefix")
	}
}
