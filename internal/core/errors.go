package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStorage           = errors.New("job store unavailable")
	ErrConflict          = errors.New("status conflict")
	ErrNotFound          = errors.New("job not found")
	ErrMissingFile       = errors.New("stored file missing")
	ErrUnsupportedTarget = errors.New("unsupported print target")
	ErrDispatch          = errors.New("dispatch failed")
	ErrDispatchTimeout   = errors.New("dispatch timed out")
	ErrNotImplemented    = errors.New("not implemented")
	ErrResolver          = errors.New("instruction resolver returned malformed data")
)

// UnsupportedTargetError reports that no dispatcher variant is registered for
// the (host OS, file extension) pair.
type UnsupportedTargetError struct {
	OS  string
	Ext string
}

func (e *UnsupportedTargetError) Error() string {
	ext := e.Ext
	if ext == "" {
		ext = "(none)"
	}
	return fmt.Sprintf("%s: no dispatcher for extension %s on %s", ErrUnsupportedTarget, ext, e.OS)
}

func (e *UnsupportedTargetError) Unwrap() error {
	return ErrUnsupportedTarget
}

// Failure kinds persisted in the job's error_kind column.
const (
	KindMissingFile       = "missing_file"
	KindUnsupportedTarget = "unsupported_target"
	KindTimeout           = "timeout"
	KindNotImplemented    = "not_implemented"
	KindDispatch          = "dispatch"
	KindInterrupted       = "interrupted"
)

// FailureKind classifies a dispatch-time error. Anything unrecognised is a
// generic dispatch failure.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingFile):
		return KindMissingFile
	case errors.Is(err, ErrUnsupportedTarget):
		return KindUnsupportedTarget
	case errors.Is(err, ErrDispatchTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotImplemented):
		return KindNotImplemented
	default:
		return KindDispatch
	}
}
