package patching

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// NotFoundError reports a candidate path that does not name an existing file.
type NotFoundError struct {
	Path string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("patch file %s not found: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("patch file %s not found", e.Path)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Err }

// ArgumentError reports misuse of the API: a missing argument, or a
// combination of arguments that cannot be honored.
type ArgumentError struct {
	Name    string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Message)
}

func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

// StructuralError indicates a patch package or transform stream could not be
// read while applying.
type StructuralError struct {
	Op   string // "open patch", "extract transform", "apply transform"
	Path string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// TransformFault indicates a transform failed with an error kind outside the
// tolerance mask. Transforms committed before the fault stay committed.
type TransformFault struct {
	Patch     string
	Transform string
	Err       error
}

func (e *TransformFault) Error() string {
	return fmt.Sprintf("transform %q from patch %s failed: %v", e.Transform, e.Patch, e.Err)
}

func (e *TransformFault) Unwrap() error { return e.Err }

// ErrPreflightFailed indicates a pre-flight check failed before patching could proceed.
type ErrPreflightFailed struct {
	Check   string // e.g. "disk_space", "database_size"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}
