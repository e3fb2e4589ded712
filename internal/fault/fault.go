// Package fault defines the error taxonomy shared by the build pipeline and
// the socket provisioner.
//
// A Kind is a sentinel that can be matched with errors.Is through any amount
// of wrapping. An Error attaches the stage or family that failed so operator
// diagnostics can name it.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

func (k Kind) Error() string { return string(k) }

// Build-time kinds abort the whole pipeline.
const (
	EnvironmentSetupFailure Kind = "environment setup failure"
	ManifestInconsistency   Kind = "manifest inconsistency"
	CompilationFailure      Kind = "compilation failure"
)

// Provisioning kinds are fatal for a single family only.
const (
	VolumeConflict       Kind = "volume conflict"
	AccessControlFailure Kind = "access control failure"
	OwnershipFailure     Kind = "ownership failure"
)

var (
	// ErrLocked is returned when another run holds the lock for a family.
	ErrLocked = errors.New("provisioning already in progress")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error is a classified failure. Stage is set for build failures and Family
// for provisioning failures.
type Error struct {
	Kind   Kind
	Stage  string
	Family string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	where := ""
	switch {
	case e.Family != "" && e.Stage != "":
		where = fmt.Sprintf("family %s, %s", e.Family, e.Stage)
	case e.Family != "":
		where = "family " + e.Family
	case e.Stage != "":
		where = "stage " + e.Stage
	}

	msg := string(e.Kind)
	if where != "" {
		msg = fmt.Sprintf("%s (%s)", msg, where)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Stage builds a build-stage failure.
func Stage(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Family builds a provisioning failure for one family.
func Family(kind Kind, family, stage string, err error) *Error {
	return &Error{Kind: kind, Family: family, Stage: stage, Err: err}
}

// Stagef is Stage with a formatted cause.
func Stagef(kind Kind, stage, format string, args ...any) *Error {
	return Stage(kind, stage, fmt.Errorf(format, args...))
}

// KindOf returns the Kind carried by err, or "" when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}
