// Package card implements the algebra of the 81-card SET deck: encoding a
// card index as its four base-3 attributes, testing whether three cards
// form a valid SET, and completing a pair into the unique third card.
package card

import "fmt"

// Deck is the total number of distinct cards (3^4).
const Deck = 81

// Attributes is the number of independent attributes each card carries.
const Attributes = 4

// Attrs decodes a card index (0..80) into its four base-3 attributes.
func Attrs(i int) [Attributes]int {
	var base3 [Attributes]int
	rem := i
	for j := Attributes - 1; j >= 0; j-- {
		base3[j] = rem % 3
		rem /= 3
	}
	return base3
}

// IsSet reports whether three card indexes form a valid SET: for each of
// the four attributes, the sum across the three cards is 0 mod 3.
func IsSet(a, b, c int) bool {
	sa, sb, sc := Attrs(a), Attrs(b), Attrs(c)
	for k := 0; k < Attributes; k++ {
		if (sa[k]+sb[k]+sc[k])%3 != 0 {
			return false
		}
	}
	return true
}

// Third returns the unique card index that completes a and b into a SET.
func Third(a, b int) int {
	aa, ba := Attrs(a), Attrs(b)
	var out [Attributes]int
	for k := 0; k < Attributes; k++ {
		out[k] = (3 - (aa[k]+ba[k])%3) % 3
	}
	c := 0
	for k := 0; k < Attributes; k++ {
		c = c*3 + out[k]
	}
	return c
}

// Validate reports whether i is a well-formed card index.
func Validate(i int) error {
	if i < 0 || i >= Deck {
		return fmt.Errorf("card: index %d out of range [0,%d)", i, Deck)
	}
	return nil
}
