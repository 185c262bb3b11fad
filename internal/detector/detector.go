// Package detector holds the crossing decision. It is a pure function so the
// scheduler's concurrency never leaks into the firing rules.
package detector

import (
	"crypto-alert-bot/internal/types"

	"github.com/shopspring/decimal"
)

// Evaluate maps (previous state, new price) to (new state, fired).
//
// Firing is edge-triggered: an alert fires only on the transition into its
// armed side, never while the price merely stays there. A price exactly equal
// to the target holds the previous state. UNKNOWN suppresses the first
// observation's fire but still records which side the price is on, so an alert
// created while the price is already past its target stays quiet until a real
// crossing happens.
func Evaluate(prev types.State, price decimal.Decimal, direction types.Direction, target decimal.Decimal) (types.State, bool) {
	next := prev
	switch price.Cmp(target) {
	case 1:
		next = types.StateAbove
	case -1:
		next = types.StateBelow
	}

	fired := next != prev && prev != types.StateUnknown && direction.Matches(next)
	return next, fired
}
