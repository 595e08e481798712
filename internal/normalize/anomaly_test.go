package normalize

import "testing"

func TestMADGuardFlagsOutlierAfterWarmup(t *testing.T) {
	g := NewMADGuard(3.5, 50, 5)

	for i := 0; i < 10; i++ {
		g.CheckPrice(1, "mid", 100.0)
	}

	isAnomaly, score := g.CheckPrice(1, "mid", 500.0)
	if !isAnomaly {
		t.Fatalf("expected 500.0 to be flagged as anomaly against a tight 100.0 history, score=%v", score)
	}
}

func TestMADGuardSilentBeforeWarmup(t *testing.T) {
	g := NewMADGuard(3.5, 50, 5)

	isAnomaly, _ := g.CheckPrice(1, "mid", 999999.0)
	if isAnomaly {
		t.Fatalf("expected no anomaly verdict before minPoints reached")
	}
}

func TestMADGuardStableSeriesNotFlagged(t *testing.T) {
	g := NewMADGuard(3.5, 50, 5)

	values := []float64{100, 100.1, 99.9, 100.2, 99.8, 100.05}
	var lastAnomaly bool
	for _, v := range values {
		lastAnomaly, _ = g.CheckPrice(1, "mid", v)
	}
	if lastAnomaly {
		t.Fatalf("expected stable series not to be flagged")
	}
}
