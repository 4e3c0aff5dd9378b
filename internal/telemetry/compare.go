package telemetry

import "math"

// DefaultThresholdPercent is the largest difference that still passes the check.
const DefaultThresholdPercent = 10.0

// PercentDifference returns |installer-server| relative to the server reading, in
// percent. A zero server reading yields 0 when both are zero and +Inf otherwise.
func PercentDifference(installer, server float64) float64 {
	if server == 0 {
		if installer == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(installer-server) / math.Abs(server) * 100
}

// Passes reports whether a difference is within threshold. NaN never passes.
func Passes(diff, threshold float64) bool {
	return !math.IsNaN(diff) && diff <= threshold
}
