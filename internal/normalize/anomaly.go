package normalize

import (
	"math"
	"sort"
	"sync"
)

// MADGuard flags statistical outliers using a rolling median absolute
// deviation z-score, per symbol and field, adapted from the teacher's
// AnomalyChecker (internal/data/validate/anomaly.go) which runs the
// same MAD test over price/volume fields for the old scanner domain.
type MADGuard struct {
	threshold float64
	window    int
	minPoints int

	mu      sync.Mutex
	history map[string][]float64
}

// NewMADGuard builds a guard with the given MAD z-score threshold (the
// teacher defaults to 3.5) and rolling window size.
func NewMADGuard(threshold float64, window, minPoints int) *MADGuard {
	return &MADGuard{
		threshold: threshold,
		window:    window,
		minPoints: minPoints,
		history:   make(map[string][]float64),
	}
}

// CheckPrice records value into the rolling window for symbolID/field
// and reports whether it is an outlier against the window observed
// before this call.
func (g *MADGuard) CheckPrice(symbolID int64, field string, value float64) (bool, float64) {
	key := madKey(symbolID, field)

	g.mu.Lock()
	defer g.mu.Unlock()

	hist := g.history[key]
	isAnomaly, score := false, 0.0
	if len(hist) >= g.minPoints {
		score = madScore(hist, value)
		isAnomaly = math.Abs(score) > g.threshold
	}

	hist = append(hist, value)
	if len(hist) > g.window {
		hist = hist[len(hist)-g.window:]
	}
	g.history[key] = hist

	return isAnomaly, score
}

func madKey(symbolID int64, field string) string {
	return field + ":" + itoa(symbolID)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// madScore computes the median absolute deviation z-score of value
// against the sample, using the standard 0.6745 consistency constant
// (matches the teacher's calculateMADScore). When the sample has zero
// dispersion (MAD 0), a value equal to the median scores 0 and any other
// value scores +Inf or -Inf, so it is always flagged.
func madScore(sample []float64, value float64) float64 {
	median := medianOf(sample)
	mad := madOf(sample, median)
	if mad == 0 {
		switch {
		case value > median:
			return math.Inf(1)
		case value < median:
			return math.Inf(-1)
		}
		return 0
	}
	return 0.6745 * (value - median) / mad
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func madOf(values []float64, median float64) float64 {
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	return medianOf(deviations)
}
