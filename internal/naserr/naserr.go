// Package naserr implements the NAS core's error taxonomy: the small set of
// error kinds that §7 of the design assigns a distinct handling policy to.
package naserr

import (
	"errors"
	"fmt"
)

// ProtocolError wraps a malformed or inconsistent NAS PDU. Policy: surfaced
// to the UE as a NAS reject or ESM-STATUS carrying the mapped cause.
type ProtocolError struct {
	Cause error
	Code  string // e.g. "too-short", "wrong-type", "unexpected-iei"
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("protocol error (%s)", e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// CauseMapping wraps an S11/S6a/S10 cause propagated into an ESM/EMM cause.
// Policy: surfaced to the UE the same way as ProtocolError.
type CauseMapping struct {
	SourceCause string
	MappedCause string
}

func (e *CauseMapping) Error() string {
	return fmt.Sprintf("cause %s mapped to %s", e.SourceCause, e.MappedCause)
}

// ResourceExhaustion means no EBI, no PDN slot, or another bounded table is
// full. Policy: reject the specific bearer/PDN request; never affects other
// PDNs of the same UE.
type ResourceExhaustion struct {
	Resource string
}

func (e *ResourceExhaustion) Error() string {
	return fmt.Sprintf("resource exhausted: %s", e.Resource)
}

// StaleCorrelation means the UE or procedure this message refers to is
// already gone. Policy: silently swallowed (log-level warning, no reply).
type StaleCorrelation struct {
	UEID uint32
	What string
}

func (e *StaleCorrelation) Error() string {
	return fmt.Sprintf("stale correlation for ue %d: %s", e.UEID, e.What)
}

// TimerExpiry marks exhaustion of a retransmission budget. Policy: drives
// the deactivation path for the affected resource.
type TimerExpiry struct {
	Timer string
	EBI   uint8
}

func (e *TimerExpiry) Error() string {
	return fmt.Sprintf("timer %s expired for ebi %d", e.Timer, e.EBI)
}

// Fatal marks an invariant violation. Policy: terminate the process; must be
// caught by the test suite before it ever reaches production.
type Fatal struct {
	Invariant string
	Cause     error
}

func (e *Fatal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal invariant violation (%s): %v", e.Invariant, e.Cause)
	}
	return fmt.Sprintf("fatal invariant violation (%s)", e.Invariant)
}

func (e *Fatal) Unwrap() error { return e.Cause }

// IsStale reports whether err is, or wraps, a StaleCorrelation.
func IsStale(err error) bool {
	var s *StaleCorrelation
	return errors.As(err, &s)
}

// IsFatal reports whether err is, or wraps, a Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// HandleUnreachable resolves the source's DevAssert(0) sites (multi-APN
// PDN-connectivity-failure; PDN-config-fail outside attach/TAU): a path the
// original treats as "should never happen" either aborts the process
// (strict, the config.Default() setting) or degrades to a logged no-op
// (when the config sets it false), selected by strictInvariants.
func HandleUnreachable(strictInvariants bool, invariant string, ueID uint32) error {
	if strictInvariants {
		return &Fatal{Invariant: invariant}
	}
	return &StaleCorrelation{UEID: ueID, What: invariant}
}
