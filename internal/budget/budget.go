// Package budget keeps each turn inside the backend's context window.
package budget

const (
	safeRatioNum = 4
	safeRatioDen = 5
)

// Budget applies the 80% rule to a backend window: the remaining 20% is
// headroom for the response and template overhead.
type Budget struct {
	WindowSize int
	SafeLimit  int
	estimator  Estimator
}

func New(windowSize int, estimator Estimator) Budget {
	if estimator == nil {
		estimator = Heuristic{}
	}

	return Budget{
		WindowSize: windowSize,
		SafeLimit:  SafeLimit(windowSize),
		estimator:  estimator,
	}
}

// SafeLimit returns floor(windowSize * 0.8).
func SafeLimit(windowSize int) int {
	if windowSize <= 0 {
		return 0
	}
	return windowSize * safeRatioNum / safeRatioDen
}

func (b Budget) EstimateTokens(text string) int {
	return b.estimator.EstimateTokens(text)
}

// ProjectedTotal is the window usage after newText is added to a context holding used tokens.
func (b Budget) ProjectedTotal(used int, newText string) int {
	return used + b.estimator.EstimateTokens(newText)
}

func (b Budget) IsNearLimit(total int) bool {
	return total >= b.SafeLimit && total < b.WindowSize
}

func (b Budget) MustEvict(total int) bool {
	return total >= b.SafeLimit
}

// SafeMaxOutputTokens caps requestedMax by the room left under the safe limit.
func (b Budget) SafeMaxOutputTokens(used, requestedMax int) int {
	room := b.SafeLimit - used
	if room < 0 {
		room = 0
	}

	if requestedMax > 0 && requestedMax < room {
		return requestedMax
	}
	return room
}
