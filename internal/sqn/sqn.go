// Package sqn implements PGM's 32-bit sequence number space: wrapping
// counters compared with signed-difference ("serial number", RFC 1982
// style) arithmetic rather than plain unsigned comparison.
package sqn

// Sqn is a PGM sequence number. The space wraps at 2^32; ordering
// between two values is only meaningful for values within half the
// space of one another.
type Sqn uint32

// Diff returns a-b as a signed 32-bit quantity. A positive result
// means a is "after" b in serial-number order.
func Diff(a, b Sqn) int32 {
	return int32(a - b)
}

// Less reports whether a precedes b in serial-number order.
func Less(a, b Sqn) bool {
	return Diff(a, b) < 0
}

// LessEqual reports whether a precedes or equals b in serial-number order.
func LessEqual(a, b Sqn) bool {
	return a == b || Less(a, b)
}

// Ambiguous reports whether a and b differ by exactly 2^31, the one
// case serial-number arithmetic cannot order: testable property 6
// requires comparisons to reject this pair rather than silently pick
// a direction.
func Ambiguous(a, b Sqn) bool {
	return Diff(a, b) == -2147483648 // also equals +2^31 mod 2^32
}

// Compare orders a relative to b, returning -1, 0, or 1. ok is false
// when the pair is Ambiguous and ordering would be arbitrary.
func Compare(a, b Sqn) (result int, ok bool) {
	if a == b {
		return 0, true
	}
	if Ambiguous(a, b) {
		return 0, false
	}
	if Less(a, b) {
		return -1, true
	}
	return 1, true
}

// InRange reports whether s lies in the inclusive serial-number range
// [trail, lead]. Both trail and lead are assumed to be within half the
// sequence space of one another (the caller, e.g. a window, maintains
// that invariant).
func InRange(trail, lead, s Sqn) bool {
	return LessEqual(trail, s) && LessEqual(s, lead)
}

// Add returns s+n (mod 2^32), for stepping through a range.
func Add(s Sqn, n int32) Sqn {
	return Sqn(int32(s) + n)
}
