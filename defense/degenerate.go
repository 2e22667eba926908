package defense

import "math"

// DegenerateCVThreshold is the coefficient-of-variation floor below
// which a query-to-centroid distance distribution is judged degenerate.
// Organic queries land unevenly across the centroid space; a near-flat
// distribution is the signature of crafted extraction probes.
const DegenerateCVThreshold = 0.15

// CentroidDistanceCV returns the coefficient of variation
// (stddev/mean) of the query's distances to the segment centroids.
// Fewer than two distances, or an all-zero mean, count as fully
// degenerate (CV 0).
func CentroidDistanceCV(dists []float32) float64 {
	if len(dists) < 2 {
		return 0
	}

	var sum float64
	for _, d := range dists {
		sum += float64(d)
	}
	mean := sum / float64(len(dists))
	if mean <= 0 {
		return 0
	}

	var sq float64
	for _, d := range dists {
		diff := float64(d) - mean
		sq += diff * diff
	}
	std := math.Sqrt(sq / float64(len(dists)))
	return std / mean
}

// IsDegenerateDistribution reports whether cv falls below the
// degeneracy threshold.
func IsDegenerateDistribution(cv float64) bool {
	return cv < DegenerateCVThreshold
}

// AdaptiveNProbe widens the probe count when the distance distribution
// is degenerate. The response is inverted from the usual speed
// heuristic: an attacker gains from narrow probes, so degeneracy buys
// breadth, up to double the base at full degeneracy.
func AdaptiveNProbe(base int, cv float64) int {
	if base < 1 {
		base = 1
	}
	if cv >= DegenerateCVThreshold {
		return base
	}
	severity := (DegenerateCVThreshold - cv) / DegenerateCVThreshold // (0,1]
	return base + int(math.Ceil(float64(base)*severity))
}

// EffectiveNProbeWithDrift scales the probe count by observed centroid
// drift. drift is the relative movement of segment centroids since the
// probe model was tuned, in [0,1]; stale centroids need wider probes
// to hold recall.
func EffectiveNProbeWithDrift(base int, drift float64) int {
	if base < 1 {
		base = 1
	}
	if drift <= 0 {
		return base
	}
	if drift > 1 {
		drift = 1
	}
	return base + int(math.Ceil(float64(base)*drift))
}

// CombinedEffectiveNProbe blends the degeneracy and drift responses
// into the probe count handed to the index: the wider of the two,
// clamped to [minProbe, maxProbe].
func CombinedEffectiveNProbe(base, minProbe, maxProbe int, cv, drift float64) int {
	n := AdaptiveNProbe(base, cv)
	if d := EffectiveNProbeWithDrift(base, drift); d > n {
		n = d
	}
	if minProbe > 0 && n < minProbe {
		n = minProbe
	}
	if maxProbe > 0 && n > maxProbe {
		n = maxProbe
	}
	return n
}
