// Package calc holds the pure duration, rate and percentile helpers used by the
// lifecycle processor and the aggregation coordinator.
package calc

import (
	"math"
	"strings"
	"time"

	"github.com/urbanevents/metricas/internal/domain"
)

// ElapsedMs returns end-start in milliseconds. Either endpoint missing yields 0.
func ElapsedMs(start, end *time.Time) int64 {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}

// MsToSec truncates milliseconds to whole seconds.
func MsToSec(ms int64) int64 {
	return ms / 1000
}

// MsToSecFloat converts milliseconds to fractional seconds.
func MsToSecFloat(ms float64) float64 {
	return ms / 1000.0
}

// Rate returns 100*numerator/denominator, or 0 when denominator is 0.
func Rate(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}
	return 100 * float64(numerator) / float64(denominator)
}

// Percentile interpolates linearly between the closest ranks of sorted. p is in
// [0,100] and sorted must already be ascending.
func Percentile(sorted []int64, p float64) float64 {
	n := len(sorted)
	switch n {
	case 0:
		return 0
	case 1:
		return float64(sorted[0])
	}
	if p <= 0 {
		return float64(sorted[0])
	}
	if p >= 100 {
		return float64(sorted[n-1])
	}
	idx := (p / 100) * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return float64(sorted[lo])
	}
	return float64(sorted[lo]) + (idx-float64(lo))*float64(sorted[hi]-sorted[lo])
}

var stateLabels = map[string]domain.State{
	"RESUELTO":  domain.StateResolved,
	"RESOLVED":  domain.StateResolved,
	"CERRADO":   domain.StateClosed,
	"CLOSED":    domain.StateClosed,
	"RECHAZADO": domain.StateRejected,
	"REJECTED":  domain.StateRejected,
}

// ClassifyState maps an upstream state label onto a lifecycle state. Unknown or
// empty labels are Pending.
func ClassifyState(label string) domain.State {
	if state, ok := stateLabels[strings.ToUpper(strings.TrimSpace(label))]; ok {
		return state
	}
	return domain.StatePending
}

// IsTerminal reports whether no further lifecycle events are expected.
func IsTerminal(state domain.State) bool {
	switch state {
	case domain.StateResolved, domain.StateClosed, domain.StateRejected:
		return true
	default:
		return false
	}
}
