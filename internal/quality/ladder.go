// Package quality implements the adaptive-quality ladder policy documented
// in spec.md §4.6 for a media sender: a discrete (resolution, fps, quality)
// composite level that steps up or down once per second based on the most
// recent VIDEO_STATS_UPDATE sample. The control server only routes stats
// (internal/registry.RouteVideoStats); it never runs this policy itself.
// This package exists purely as a deterministic, server-testable reference
// implementation of the sender-side rule so spec.md §8's ladder properties
// have something concrete to exercise in this repository.
package quality

// Resolution is one rung's pixel dimensions.
type Resolution struct {
	Width  int
	Height int
}

// Level is one composite rung of the ladder: a resolution, frame rate, and
// opaque compression-quality value, all moving together.
type Level struct {
	Resolution Resolution
	FPS        int
	Quality    int
}

// Ladder is the fixed, increasing sequence of levels from spec.md §4.6.
// Index 0 is the minimum; the last index is the maximum.
var Ladder = [...]Level{
	{Resolution: Resolution{256, 144}, FPS: 5, Quality: 40},
	{Resolution: Resolution{426, 240}, FPS: 10, Quality: 50},
	{Resolution: Resolution{640, 360}, FPS: 15, Quality: 60},
	{Resolution: Resolution{854, 480}, FPS: 20, Quality: 70},
}

const (
	minLevelIndex = 0
	maxLevelIndex = len(Ladder) - 1
)

// Direction describes which way, if any, an evaluation moved the ladder.
type Direction int

const (
	// Hold means the sample fell in the dead band (2%-10% loss, 120-300ms
	// RTT) or the 1-second hysteresis window had not yet elapsed.
	Hold Direction = iota
	StepUp
	StepDown
)

func (d Direction) String() string {
	switch d {
	case StepUp:
		return "up"
	case StepDown:
		return "down"
	default:
		return "hold"
	}
}

// degradeThresholdLoss and degradeThresholdRTT are the spec.md §4.6
// step-down triggers: loss > 10% OR rttMs > 300.
const (
	degradeThresholdLoss = 0.10
	degradeThresholdRTT  = 300.0
)

// improveThresholdLoss and improveThresholdRTT are the step-up triggers:
// loss < 2% AND rttMs < 120.
const (
	improveThresholdLoss = 0.02
	improveThresholdRTT  = 120.0
)
