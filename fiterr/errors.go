// Package fiterr classifies the failures of the fitting pipeline so callers
// can tell malformed input apart from numerical shortfalls and pool crashes.
package fiterr

import (
	"errors"
	"fmt"
)

// Kind is a coarse-grained category for a fitting error.
type Kind string

const (
	KindDomain         Kind = "domain"
	KindNonConvergence Kind = "non_convergence"
	KindSampling       Kind = "sampling"
	KindResource       Kind = "resource"
	KindConfig         Kind = "config"
)

// Sentinel errors for broad classification.
var (
	ErrEmptyImage          = errors.New("no unmasked pixels")
	ErrBadBinEdges         = errors.New("bin edges not strictly increasing")
	ErrMissingHeader       = errors.New("missing required header value")
	ErrNegativeFlux        = errors.New("intensity not above background")
	ErrBadBounds           = errors.New("inconsistent bounds")
	ErrFitFailed           = errors.New("least-squares fit failed")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrNonFiniteLikelihood = errors.New("non-finite log-likelihood")
	ErrPoolClosed          = errors.New("worker pool closed")
	ErrEmptyResult         = errors.New("sampling result has no samples")
	ErrIncompatibleRuns    = errors.New("runs are not compatible")
)

// Error wraps an underlying error with the failing operation and a kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds an *Error. A nil err is replaced by a generic message.
func New(op string, kind Kind, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Newf is New with a formatted cause that may wrap a sentinel through %w.
func Newf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
