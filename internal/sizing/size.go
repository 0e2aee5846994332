// Package sizing provides overflow-checked size arithmetic for archive offsets.
package sizing

import "math"

// AddInt64 adds two non-negative int64 values, returning (result, false) on
// overflow or when either operand is negative.
func AddInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// ToUint64 converts a non-negative int64 to uint64.
func ToUint64(n int64) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// DecimalDigits returns the number of base-10 digits needed to print n.
// Negative values report 0 digits; callers treat them as unrepresentable.
func DecimalDigits(n int64) int {
	if n < 0 {
		return 0
	}
	digits := 1
	for n >= 10 {
		n /= 10
		digits++
	}
	return digits
}

// FitsDigits reports whether n is non-negative and prints in at most width
// decimal digits.
func FitsDigits(n int64, width int) bool {
	return n >= 0 && DecimalDigits(n) <= width
}
