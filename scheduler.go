package overlay

import "time"

// Frame scheduler defaults, tuned for a 50 fps target.
const (
	// DefaultFrameBudget is the per-frame time budget.
	DefaultFrameBudget = 20 * time.Millisecond

	// defaultOverrunLimit is how many consecutive over-budget frames
	// trigger one decimation step.
	defaultOverrunLimit = 5

	// defaultRecoverLimit is how many consecutive frames with comfortable
	// slack restore one decimation step.
	defaultRecoverLimit = 30

	// maxDecimationLevel caps spatial decimation at 8x (2^3) per axis.
	maxDecimationLevel = 3
)

// frameScheduler tracks frame times against a budget and adapts the
// effective sampling resolution. It runs entirely on the render thread.
//
// A frame over budget counts toward decimation; a frame with at least 25%
// headroom counts toward recovery; anything in between resets both streaks.
type frameScheduler struct {
	budget       time.Duration
	overrunLimit int
	recoverLimit int

	level    int
	overruns int
	slack    int
}

func newFrameScheduler(budget time.Duration) *frameScheduler {
	if budget <= 0 {
		budget = DefaultFrameBudget
	}
	return &frameScheduler{
		budget:       budget,
		overrunLimit: defaultOverrunLimit,
		recoverLimit: defaultRecoverLimit,
	}
}

// observe records one frame's elapsed time and adjusts the decimation level.
func (s *frameScheduler) observe(elapsed time.Duration) {
	switch {
	case elapsed > s.budget:
		s.slack = 0
		s.overruns++
		if s.overruns >= s.overrunLimit && s.level < maxDecimationLevel {
			s.level++
			s.overruns = 0
			Logger().Debug("frame budget overrun, decimating",
				"elapsed", elapsed, "budget", s.budget, "level", s.level)
		}
	case elapsed <= s.budget-s.budget/4:
		s.overruns = 0
		s.slack++
		if s.slack >= s.recoverLimit && s.level > 0 {
			s.level--
			s.slack = 0
			Logger().Debug("frame slack recovered, restoring resolution",
				"elapsed", elapsed, "level", s.level)
		}
	default:
		s.overruns = 0
		s.slack = 0
	}
}

// Level returns the current decimation level (0 = full resolution).
func (s *frameScheduler) Level() int { return s.level }

// Step returns the pixel sampling stride for the current level.
func (s *frameScheduler) Step() int { return 1 << uint(s.level) }
