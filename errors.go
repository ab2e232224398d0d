package gc

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error by how the caller should react: transient
// errors are retried in place, resource errors abort the current pass
// and free shadow, consistency findings are repaired or reported
// through the fsck sink, fatal errors leave the filesystem unusable
// for the caller to handle.
type Kind int

const (
	Transient Kind = iota
	Resource
	Consistency
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Resource:
		return "resource"
	case Consistency:
		return "consistency"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gc: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func transientErr(op string, err error) *Error { return newErr(Transient, op, err) }
func resourceErr(op string, err error) *Error  { return newErr(Resource, op, err) }
func fatalErr(op string, err error) *Error     { return newErr(Fatal, op, err) }

// IsFatal reports whether err (or anything it wraps) is a Fatal-kind
// *Error.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Fatal
}

// IsResource reports whether err is a Resource-kind error: the pass
// should abort without treating the filesystem as unusable.
func IsResource(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Resource
}

var (
	// ErrRootRepairUnsupported: a pointer repair would have to
	// rewrite a btree root key. The root must be correct a priori;
	// the caller escalates.
	ErrRootRepairUnsupported = errors.New("gc: repairing a btree root is unsupported")

	// ErrRootBoundsWrong: a root does not span the full key range,
	// so recovery cannot trust the tree at all.
	ErrRootBoundsWrong = errors.New("gc: btree root min_key/max_key out of bounds")

	// ErrStripeShapeMismatch: a stripe's shape fields diverged
	// between shadow and live during reconciliation.
	ErrStripeShapeMismatch = errors.New("gc: stripe shape diverged between shadow and live")

	// ErrTooManyPasses: repairs kept mutating gens past the
	// bounded retry limit.
	ErrTooManyPasses = errors.New("gc: unable to fix bucket gens, looping")
)
