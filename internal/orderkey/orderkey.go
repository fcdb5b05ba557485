// Package orderkey derives numeric positions for items in an ordered sequence.
//
// A new key is always derived from the keys of the item's intended neighbours:
// a fixed gap past either open end, or the arithmetic midpoint between two
// existing keys. Siblings are never renumbered on insert, move or delete.
package orderkey

import (
	"errors"
	"math"
)

// Key is a signed position; sequences sort ascending by Key.
type Key float64

// DefaultGap is the distance left between consecutively appended items.
const DefaultGap Key = 1000

var (
	// ErrInvertedBounds means before did not order strictly below after.
	ErrInvertedBounds = errors.New("orderkey: before must be less than after")
	// ErrExhausted means no representable key remains between the two bounds.
	ErrExhausted = errors.New("orderkey: no representable key between neighbours")
)

// Ptr returns a pointer to k, for call sites that build bounds inline.
func Ptr(k Key) *Key { return &k }

// Compute returns the key for an item placed after before and ahead of after.
// A nil bound is an open end. The caller guarantees *before < *after when both
// are set; Between is the checked variant.
func Compute(before, after *Key, gap Key) Key {
	switch {
	case before == nil && after == nil:
		return gap
	case before == nil:
		return *after - gap
	case after == nil:
		return *before + gap
	default:
		return *before + (*after-*before)/2
	}
}

// Between is Compute with the bound checks every writer needs: inverted or
// non-finite bounds yield ErrInvertedBounds, and a midpoint that collapses onto
// either bound yields ErrExhausted instead of a duplicate key.
func Between(before, after *Key, gap Key) (Key, error) {
	if !finite(before) || !finite(after) || !(gap > 0) || math.IsInf(float64(gap), 0) {
		return 0, ErrInvertedBounds
	}
	if before != nil && after != nil && !(*before < *after) {
		return 0, ErrInvertedBounds
	}

	k := Compute(before, after, gap)
	if math.IsInf(float64(k), 0) {
		return 0, ErrExhausted
	}
	if (before != nil && k <= *before) || (after != nil && k >= *after) {
		return 0, ErrExhausted
	}
	return k, nil
}

// Gap is the distance between two adjacent keys.
func Gap(prev, next Key) Key {
	return next - prev
}

// Exhausted reports whether no further midpoint fits between prev and next.
func Exhausted(prev, next Key) bool {
	_, err := Between(&prev, &next, DefaultGap)
	return errors.Is(err, ErrExhausted)
}

func finite(k *Key) bool {
	if k == nil {
		return true
	}
	f := float64(*k)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
