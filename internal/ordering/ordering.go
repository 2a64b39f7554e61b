// Package ordering computes fractional sort keys for inserting or moving an
// item among siblings without renumbering any other item's key. Keys only
// need to be strictly monotonic within a group; the gaps between adjacent
// keys are the headroom for future insertions.
package ordering

import "fmt"

// SeedKey is the key assigned to the first item in an empty group. It leaves
// headroom on both sides for many insertions before any renumbering.
const SeedKey = 1024.0

// MinGap is the smallest usable gap between adjacent keys. When the gap
// between two neighbors falls below this, float precision can no longer
// express a value strictly between them and the caller must renumber the
// group; this package never renumbers on its own.
const MinGap = 1e-6

// Position selects where a new key lands relative to existing neighbors.
type Position string

const (
	PositionFirst   Position = "first"
	PositionLast    Position = "last"
	PositionBetween Position = "between"
)

// Seed returns the key for the first item ever inserted into an empty group.
func Seed() float64 {
	return SeedKey
}

// KeyForPosition computes the key for inserting an item at position among
// the given neighbor keys. Neighbors are the keys already present in the
// group; they do not need to be sorted. For PositionBetween exactly two
// neighbor keys are required: the item's future predecessor and successor.
func KeyForPosition(position Position, neighbors []float64) (float64, error) {
	switch position {
	case PositionFirst:
		if len(neighbors) == 0 {
			return SeedKey, nil
		}
		return minKey(neighbors) / 2, nil
	case PositionLast:
		if len(neighbors) == 0 {
			return SeedKey, nil
		}
		return maxKey(neighbors) + SeedKey, nil
	case PositionBetween:
		if len(neighbors) != 2 {
			return 0, fmt.Errorf("position %q requires exactly two neighbor keys, got %d", position, len(neighbors))
		}
		return Between(neighbors[0], neighbors[1]), nil
	default:
		return 0, fmt.Errorf("unknown position %q", position)
	}
}

// Between returns the arithmetic mean of a and b. Repeated insertions
// between the same neighbors keep producing values strictly between them
// until the gap erodes below MinGap.
func Between(a, b float64) float64 {
	return (a + b) / 2
}

// KeyForMove computes the key the item at fromIndex should adopt after
// moving to toIndex within keys, which lists the group's current keys in
// display order. The neighbors are evaluated against the sequence as it will
// look after the move; no other item's key changes. Out-of-range indices are
// rejected, never clamped.
func KeyForMove(keys []float64, fromIndex, toIndex int) (float64, error) {
	n := len(keys)
	if n == 0 {
		return 0, fmt.Errorf("cannot move within an empty group")
	}
	if fromIndex < 0 || fromIndex >= n {
		return 0, fmt.Errorf("from index %d out of range [0,%d)", fromIndex, n)
	}
	if toIndex < 0 || toIndex >= n {
		return 0, fmt.Errorf("to index %d out of range [0,%d)", toIndex, n)
	}
	if fromIndex == toIndex {
		return keys[fromIndex], nil
	}

	// Conceptually remove the moved item, then look up the neighbors that
	// will surround it at its destination.
	remaining := make([]float64, 0, n-1)
	remaining = append(remaining, keys[:fromIndex]...)
	remaining = append(remaining, keys[fromIndex+1:]...)

	switch {
	case toIndex == 0:
		return remaining[0] / 2, nil
	case toIndex >= len(remaining):
		return remaining[len(remaining)-1] + SeedKey, nil
	default:
		return Between(remaining[toIndex-1], remaining[toIndex]), nil
	}
}

// GapBelowEpsilon reports whether the gap between two adjacent keys is too
// small for further insertions. Callers use this to decide when to trigger a
// full renumber of the group.
func GapBelowEpsilon(a, b float64) bool {
	gap := b - a
	if gap < 0 {
		gap = -gap
	}
	return gap < MinGap
}

func minKey(keys []float64) float64 {
	minimum := keys[0]
	for _, k := range keys[1:] {
		if k < minimum {
			minimum = k
		}
	}
	return minimum
}

func maxKey(keys []float64) float64 {
	maximum := keys[0]
	for _, k := range keys[1:] {
		if k > maximum {
			maximum = k
		}
	}
	return maximum
}
