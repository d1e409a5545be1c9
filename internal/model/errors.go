package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component.
var (
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrUnavailable      = errors.New("unavailable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAmbiguous        = errors.New("ambiguous process identity")
	ErrInternal         = errors.New("internal error")
)

// ErrorKind names a taxonomy member for logs and statistics.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	KindUnavailable      ErrorKind = "unavailable"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindAmbiguous        ErrorKind = "ambiguous"
	KindInternal         ErrorKind = "internal"
)

// KindOf maps err onto the taxonomy. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrAmbiguous):
		return KindAmbiguous
	default:
		return KindInternal
	}
}

// ProcessError attaches a PID and operation to a taxonomy error.
type ProcessError struct {
	PID int
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// NewProcessError wraps err for pid and op.
func NewProcessError(op string, pid int, err error) error {
	return &ProcessError{PID: pid, Op: op, Err: err}
}

// ItemResult is the outcome of one item in a batch operation.
type ItemResult struct {
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
	Err  error  `json:"-"`
}

// BatchResult aggregates per-item outcomes. A batch never aborts on an item
// failure.
type BatchResult struct {
	Matched   int          `json:"matched"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Items     []ItemResult `json:"items"`
}

// Add records one item outcome.
func (b *BatchResult) Add(item ItemResult) {
	b.Items = append(b.Items, item)
	if item.Err != nil {
		b.Failed++
	} else {
		b.Succeeded++
	}
}

// Errors returns the failed items' errors joined, or nil.
func (b *BatchResult) Errors() error {
	var errs []error
	for _, it := range b.Items {
		if it.Err != nil {
			errs = append(errs, it.Err)
		}
	}
	return errors.Join(errs...)
}
