package node

import (
	"github.com/kilnworks/fleetgate/internal/fleet"
)

// Health scoring weights. Memory pressure hurts a container host more than
// CPU load, which recovers on its own; disk exhaustion is in between and
// each reported issue carries a flat penalty.
const (
	weightCPU    = 0.25
	weightMemory = 0.45
	weightDisk   = 0.30

	issuePenalty = 10

	// trendBand is the hysteresis window: score moves smaller than this
	// keep the previous trend, so a node oscillating by a point or two
	// does not flap between improving and degrading.
	trendBand = 5
)

// Score derives a 0..100 health score from utilization percentages and the
// reported issue list. Deterministic: the same report always scores the
// same.
func Score(cpuPct, memPct, diskPct float64, issues int) int {
	load := weightCPU*clampPct(cpuPct) + weightMemory*clampPct(memPct) + weightDisk*clampPct(diskPct)
	score := 100 - int(load) - issues*issuePenalty
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Trend compares the new score against the previous one with hysteresis.
func Trend(prev *fleet.NodeHealth, newScore int) fleet.HealthTrend {
	if prev == nil {
		return fleet.TrendStable
	}
	switch {
	case newScore >= prev.Score+trendBand:
		return fleet.TrendImproving
	case newScore <= prev.Score-trendBand:
		return fleet.TrendDegrading
	default:
		return prev.Trend
	}
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
