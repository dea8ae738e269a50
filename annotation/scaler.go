package annotation

// Scale maps a raw annotation value to [0,1] using percentile clamps lo/hi,
// per spec §4.3. Callers must ensure lo < hi (DistributionStats rejects the
// degenerate lo == hi case at load time).
func Scale(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return 0
	case v > hi:
		return 1
	default:
		return (v - lo) / (hi - lo)
	}
}

// Unscale is the inverse of Scale, used by tests to check the
// scale-then-unscale round trip described in spec §8.
func Unscale(scaled, lo, hi float64) float64 {
	return lo + scaled*(hi-lo)
}
