package readback

import "strconv"

// Limit bounds how many times a shader dispatches before it completes.
// The zero value is Infinite.
type Limit struct {
	n      int
	finite bool
}

// Infinite returns a limit that never completes.
func Infinite() Limit { return Limit{} }

// Finite returns a limit of n dispatches per cycle. Negative n is treated as 0.
func Finite(n int) Limit {
	return Limit{n: max(n, 0), finite: true}
}

// IsInfinite reports whether the limit never completes.
func (l Limit) IsInfinite() bool { return !l.finite }

// N returns the dispatch budget and whether the limit is finite.
func (l Limit) N() (int, bool) { return l.n, l.finite }

// String returns "infinite" or "finite(n)".
func (l Limit) String() string {
	if !l.finite {
		return "infinite"
	}
	return "finite(" + strconv.Itoa(l.n) + ")"
}
