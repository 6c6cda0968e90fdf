// Package bootstrap estimates seed values for the full fit from real data:
// the core fraction and Moffat beta from a stacked PSF image, and the first
// aureole power index from an ensemble of bright-star profiles.
//
// Neither routine fails on a numerical shortfall. When the data cannot
// support an estimate the routine returns the documented fallback from
// Fallbacks, marks the dimension Free, and logs a warning.
package bootstrap

import (
	"log/slog"
	"math"
)

type Trigger string

const (
	TriggerNone             Trigger = ""
	TriggerReferenceOutside Trigger = "reference_outside_window"
	TriggerTooFewStars      Trigger = "too_few_stars"
	TriggerNoUsableProfiles Trigger = "no_usable_profiles"
	TriggerFitFailed        Trigger = "fit_failed"
)

type Routine string

const (
	RoutineN0   Routine = "fit_n0"
	RoutineCore Routine = "fit_core"
)

// Fallback is a default returned by a routine when Trigger fires. Value and
// Err are (n0, dn0) for RoutineN0 and (frac, beta) with NaN errors for
// RoutineCore.
type Fallback struct {
	Routine Routine
	Trigger Trigger
	Value   [2]float64
	Err     [2]float64
}

var (
	n0Fallback   = [2]float64{3, 0}
	n0FallbackSd = [2]float64{0.3, 0}
	coreFallback = [2]float64{0.3, 6.6}
	noErr        = [2]float64{math.NaN(), math.NaN()}
)

// Fallbacks lists every fallback the package can return.
var Fallbacks = []Fallback{
	{RoutineN0, TriggerReferenceOutside, n0Fallback, n0FallbackSd},
	{RoutineN0, TriggerTooFewStars, n0Fallback, n0FallbackSd},
	{RoutineN0, TriggerNoUsableProfiles, n0Fallback, n0FallbackSd},
	{RoutineN0, TriggerFitFailed, n0Fallback, n0FallbackSd},
	{RoutineCore, TriggerNoUsableProfiles, coreFallback, noErr},
	{RoutineCore, TriggerFitFailed, coreFallback, noErr},
}

// FallbackFor returns the table entry for routine and trigger.
func FallbackFor(routine Routine, trigger Trigger) (Fallback, bool) {
	for _, f := range Fallbacks {
		if f.Routine == routine && f.Trigger == trigger {
			return f, true
		}
	}
	return Fallback{}, false
}

func warnFallback(l *slog.Logger, f Fallback, reason error) {
	args := []any{"routine", string(f.Routine), "trigger", string(f.Trigger), "value", f.Value[0]}
	if f.Routine == RoutineCore {
		args = append(args, "beta", f.Value[1])
	} else {
		args = append(args, "err", f.Err[0])
	}
	if reason != nil {
		args = append(args, "reason", reason.Error())
	}
	l.Warn("bootstrap.fallback", args...)
}
