package registry

// trustScore derives a validator's trust score from its metrics with fixed
// weights: uptime 40%, response latency 30% (banded), participation 30%.
func trustScore(uptimePercent float64, responseTimeMs int64, participationRate float64) float64 {
	score := uptimePercent*0.4 + participationRate*0.3 + latencyContribution(responseTimeMs)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// latencyContribution maps response time to its banded share of the score.
// Lower latency earns more, up to the full 30 points.
func latencyContribution(responseTimeMs int64) float64 {
	switch {
	case responseTimeMs < 50:
		return 30
	case responseTimeMs < 100:
		return 20
	case responseTimeMs < 200:
		return 10
	default:
		return 0
	}
}
