package card

import "testing"

func TestThirdCompletesSet(t *testing.T) {
	for a := 0; a < Deck; a++ {
		for b := 0; b < Deck; b++ {
			if a == b {
				continue
			}
			c := Third(a, b)
			if !IsSet(a, b, c) {
				t.Fatalf("Third(%d,%d)=%d does not form a SET", a, b, c)
			}
			if c == a || c == b {
				t.Fatalf("Third(%d,%d)=%d collides with an input card", a, b, c)
			}
		}
	}
}

func TestIsSetKnownTriple(t *testing.T) {
	// 0,0,0,0 + 1,1,1,1 + 2,2,2,2 sums each attribute to 3 (=0 mod 3).
	if !IsSet(0, 40, 80) {
		t.Fatalf("expected (0,40,80) to be a SET")
	}
}

func TestIsSetRejectsNonSet(t *testing.T) {
	if IsSet(0, 1, 3) {
		t.Fatalf("expected (0,1,3) not to be a SET")
	}
}

func TestAttrsRoundTrip(t *testing.T) {
	for i := 0; i < Deck; i++ {
		a := Attrs(i)
		got := 0
		for _, d := range a {
			got = got*3 + d
		}
		if got != i {
			t.Fatalf("Attrs(%d) did not round-trip, got %d", i, got)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(Deck); err == nil {
		t.Fatalf("expected error for out-of-range index")
	}
}
