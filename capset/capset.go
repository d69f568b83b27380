// Package capset represents cap sets of the SET deck as fixed-capacity
// records and implements the extension step that grows an n-card cap set
// into all of its valid (n+1)-card descendants.
//
// Records use fixed-size stack arrays rather than slices so that Extend's
// inner loop performs no heap allocation beyond the returned slice itself,
// mirroring the no_set_list/build_higher_nsl strategy it is grounded on.
package capset

import (
	"errors"
	"fmt"

	"github.com/tsouche/funny-set-exploration/card"
)

const (
	// MaxPrefix is the largest prefix a record can hold. The largest cap
	// set of the 81-card SET deck has 20 cards, so records cover cap sets
	// of at most 18 cards; Extend returns ErrCapacityExceeded beyond that.
	MaxPrefix = 18
	// MaxRemaining is the deck size (81) minus the 3-card seed prefix.
	MaxRemaining = 78
	// requiredAtSize is the cap-set size the search must still be able to
	// reach: a record of size n keeps going only if it retains at least
	// requiredAtSize-n remaining candidate cards.
	requiredAtSize = 12
)

// ErrCapacityExceeded is returned when a record would need to hold more
// cards than its fixed-size arrays allow.
var ErrCapacityExceeded = errors.New("capset: capacity exceeded")

// Record is one node of the cap-set search tree: a prefix of chosen cards
// (in increasing order, no SET triple among them) plus the list of
// remaining candidate cards that could still extend the prefix.
type Record struct {
	Size      uint8
	MaxCard   int
	Prefix    [MaxPrefix]int
	PrefixLen uint8
	Remaining [MaxRemaining]int
	RemLen    uint8
}

// FromSlices builds a Record from plain slices, as used for seed creation.
func FromSlices(size uint8, maxCard int, prefix, remaining []int) (Record, error) {
	var r Record
	if len(prefix) > MaxPrefix {
		return r, fmt.Errorf("%w: prefix length %d exceeds %d", ErrCapacityExceeded, len(prefix), MaxPrefix)
	}
	if len(remaining) > MaxRemaining {
		return r, fmt.Errorf("%w: remaining length %d exceeds %d", ErrCapacityExceeded, len(remaining), MaxRemaining)
	}
	r.Size = size
	r.MaxCard = maxCard
	copy(r.Prefix[:], prefix)
	r.PrefixLen = uint8(len(prefix))
	copy(r.Remaining[:], remaining)
	r.RemLen = uint8(len(remaining))
	return r, nil
}

// PrefixSlice returns the valid portion of Prefix.
func (r *Record) PrefixSlice() []int { return r.Prefix[:r.PrefixLen] }

// RemainingSlice returns the valid portion of Remaining.
func (r *Record) RemainingSlice() []int { return r.Remaining[:r.RemLen] }

// Validate checks the five invariants of spec.md §3: (1) prefix strictly
// increasing with MaxCard matching its tail, (2) no SET triple among the
// prefix's cards, (3) every remaining candidate is unreachable as the
// third card of any prefix pair, (4) remaining is strictly increasing,
// and (5) every remaining candidate exceeds MaxCard.
func (r *Record) Validate() error {
	if int(r.Size) != int(r.PrefixLen) {
		return fmt.Errorf("capset: size %d does not match prefix length %d", r.Size, r.PrefixLen)
	}
	prefix := r.PrefixSlice()
	for i := 1; i < len(prefix); i++ {
		if prefix[i] <= prefix[i-1] {
			return fmt.Errorf("capset: prefix is not strictly increasing at index %d", i)
		}
	}
	for _, c := range prefix {
		if err := card.Validate(c); err != nil {
			return err
		}
	}
	if len(prefix) > 0 && prefix[len(prefix)-1] != r.MaxCard {
		return fmt.Errorf("capset: max_card %d does not match prefix tail %d", r.MaxCard, prefix[len(prefix)-1])
	}
	for i := 0; i < len(prefix); i++ {
		for j := i + 1; j < len(prefix); j++ {
			for k := j + 1; k < len(prefix); k++ {
				if card.IsSet(prefix[i], prefix[j], prefix[k]) {
					return fmt.Errorf("capset: prefix contains a SET triple (%d,%d,%d)", prefix[i], prefix[j], prefix[k])
				}
			}
		}
	}

	remaining := r.RemainingSlice()
	for i := 1; i < len(remaining); i++ {
		if remaining[i] <= remaining[i-1] {
			return fmt.Errorf("capset: remaining is not strictly increasing at index %d", i)
		}
	}
	for _, c := range remaining {
		if c <= r.MaxCard {
			return fmt.Errorf("capset: remaining candidate %d does not exceed max_card %d", c, r.MaxCard)
		}
	}
	for i := 0; i < len(prefix); i++ {
		for j := i + 1; j < len(prefix); j++ {
			forbidden := card.Third(prefix[i], prefix[j])
			for _, c := range remaining {
				if c == forbidden {
					return fmt.Errorf("capset: remaining candidate %d completes a SET with prefix pair (%d,%d)", c, prefix[i], prefix[j])
				}
			}
		}
	}
	return nil
}

// Extend builds every valid (n+1)-card descendant of r. For each remaining
// candidate card c, it forms a new prefix r.Prefix+[c], removes from the
// new remaining list c and every card below it (canonical ordering) and every
// card that would complete a SET with c and some prefix card, then keeps
// the result only if enough candidates remain to reach a 12-card cap set.
//
// Grounded on no_set_list.rs's build_higher_nsl: the three stack
// operations (copy-extend prefix, filter-by-order remaining, remove
// forbidden cards in place) are reproduced in the same order, including
// the `12 - min(len, 12)` pruning threshold.
func Extend(r *Record) ([]Record, error) {
	if r.RemLen == 0 {
		return nil, nil
	}
	out := make([]Record, 0, r.RemLen)
	nextLen := r.PrefixLen + 1
	if int(nextLen) > MaxPrefix {
		return nil, fmt.Errorf("%w: extending would need %d prefix slots", ErrCapacityExceeded, nextLen)
	}

	for ci := uint8(0); ci < r.RemLen; ci++ {
		c := r.Remaining[ci]

		var nextPrefix [MaxPrefix]int
		copy(nextPrefix[:r.PrefixLen], r.Prefix[:r.PrefixLen])
		nextPrefix[r.PrefixLen] = c

		var nextRemaining [MaxRemaining]int
		var remLen uint8
		for i := uint8(0); i < r.RemLen; i++ {
			cand := r.Remaining[i]
			if cand > c {
				nextRemaining[remLen] = cand
				remLen++
			}
		}

		for pi := uint8(0); pi < r.PrefixLen; pi++ {
			p := r.Prefix[pi]
			forbidden := card.Third(p, c)
			for j := uint8(0); j < remLen; j++ {
				if nextRemaining[j] == forbidden {
					for k := j; k < remLen-1; k++ {
						nextRemaining[k] = nextRemaining[k+1]
					}
					remLen--
					break
				}
			}
		}

		needed := 0
		if int(nextLen) < requiredAtSize {
			needed = requiredAtSize - int(nextLen)
		}
		if int(remLen) >= needed {
			out = append(out, Record{
				Size:      r.Size + 1,
				MaxCard:   c,
				Prefix:    nextPrefix,
				PrefixLen: nextLen,
				Remaining: nextRemaining,
				RemLen:    remLen,
			})
		}
	}
	return out, nil
}
