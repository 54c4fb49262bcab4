package blobpack

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Sentinel errors
var (
	// ErrPatternSyntax is wrapped by PatternSyntaxError.
	ErrPatternSyntax = errors.New("invalid ignore pattern")

	// ErrFileAccess is wrapped by FileAccessError.
	ErrFileAccess = errors.New("file access failed")

	// ErrArchiveSink is wrapped by ArchiveSinkError.
	ErrArchiveSink = errors.New("archive sink unavailable")

	// ErrDedupInvariant is wrapped by DedupInvariantError.
	ErrDedupInvariant = errors.New("dedup invariant violated")

	// ErrStreamerState is returned when an ArchiveStreamer method is called
	// in a state that does not allow it.
	ErrStreamerState = errors.New("archive streamer in wrong state")

	// ErrParentUnassigned is returned when a directory level is persisted
	// before its parent level received identifiers.
	ErrParentUnassigned = errors.New("parent directory has no assigned id")
)

// PatternSyntaxError describes one ignore-rule line that could not be compiled.
// The line is dropped; crawling continues.
type PatternSyntaxError struct {
	Source  string // file the line came from, empty for in-memory rules
	Line    int    // 1-based line number, 0 if unknown
	Pattern string
	Reason  string
}

// Error implements the error interface.
func (e *PatternSyntaxError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s:%d: %q: %s", e.Source, e.Line, e.Pattern, e.Reason)
	}
	return fmt.Sprintf("%q: %s", e.Pattern, e.Reason)
}

// Unwrap returns ErrPatternSyntax.
func (e *PatternSyntaxError) Unwrap() error {
	return ErrPatternSyntax
}

// AccessKind classifies why a file could not be read.
type AccessKind int

const (
	AccessUnknown AccessKind = iota
	AccessNotSupported
	AccessDiskFull
	AccessSharingViolation
	AccessOutOfMemory
	AccessInvalidArgument
	AccessNotImplemented
	AccessDenied
)

var accessKindNames = [...]string{
	AccessUnknown:          "unknown",
	AccessNotSupported:     "not supported",
	AccessDiskFull:         "disk full",
	AccessSharingViolation: "sharing violation",
	AccessOutOfMemory:      "out of memory",
	AccessInvalidArgument:  "invalid argument",
	AccessNotImplemented:   "not implemented",
	AccessDenied:           "access denied",
}

func (k AccessKind) String() string {
	if k < 0 || int(k) >= len(accessKindNames) {
		return accessKindNames[AccessUnknown]
	}
	return accessKindNames[k]
}

// FileAccessError is the per-file failure carried in a HashResult.
// It is never fatal to a batch.
type FileAccessError struct {
	Path string
	Kind AccessKind
	Err  error
}

// Error implements the error interface.
func (e *FileAccessError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *FileAccessError) Unwrap() []error {
	return []error{ErrFileAccess, e.Err}
}

// newFileAccessError classifies err and wraps it for path.
func newFileAccessError(path string, err error) *FileAccessError {
	return &FileAccessError{Path: path, Kind: classifyAccessError(err), Err: err}
}

// classifyAccessError maps an I/O error onto an AccessKind.
func classifyAccessError(err error) AccessKind {
	switch {
	case err == nil:
		return AccessUnknown
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return AccessDenied
	case errors.Is(err, syscall.ENOSPC):
		return AccessDiskFull
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return AccessSharingViolation
	case errors.Is(err, syscall.ENOMEM):
		return AccessOutOfMemory
	case errors.Is(err, syscall.EINVAL):
		return AccessInvalidArgument
	case errors.Is(err, syscall.ENOSYS):
		return AccessNotImplemented
	case errors.Is(err, syscall.ENOTSUP), errors.Is(err, syscall.EOPNOTSUPP):
		return AccessNotSupported
	}
	return AccessUnknown
}

// ArchiveSinkError reports that the archive destination could not be opened.
// It aborts a run before any file is hashed.
type ArchiveSinkError struct {
	Err error
}

// Error implements the error interface.
func (e *ArchiveSinkError) Error() string {
	return fmt.Sprintf("archive sink: %v", e.Err)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *ArchiveSinkError) Unwrap() []error {
	return []error{ErrArchiveSink, e.Err}
}

// DedupInvariantError reports one hash observed with two different sizes.
type DedupInvariantError struct {
	Hash  Digest
	Known int64
	Got   int64
}

// Error implements the error interface.
func (e *DedupInvariantError) Error() string {
	return fmt.Sprintf("hash %s recorded with size %d, now seen with size %d", e.Hash.Hex(), e.Known, e.Got)
}

// Unwrap returns ErrDedupInvariant.
func (e *DedupInvariantError) Unwrap() error {
	return ErrDedupInvariant
}

// ValidationError represents one or more configuration problems.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if len(ve.Errors) == 0 {
		return "validation failed"
	}
	if len(ve.Errors) == 1 {
		return fmt.Sprintf("validation failed: %v", ve.Errors[0])
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(ve.Errors)))
	for i, err := range ve.Errors {
		fmt.Fprintf(&buf, "  %d. %v\n", i+1, err)
	}
	return buf.String()
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (ve *ValidationError) Unwrap() []error {
	return ve.Errors
}

// newValidationError creates a ValidationError from a slice of errors.
// Returns nil if the slice is empty.
func newValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
