package ntfs

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Domain classifies where an error originated, per spec.md §7.
type Domain int

const (
	DomainArgument Domain = iota
	DomainIO
	DomainInput
	DomainCompression
	DomainMemory
	DomainRuntime
)

func (d Domain) String() string {
	switch d {
	case DomainArgument:
		return "argument"
	case DomainIO:
		return "io"
	case DomainInput:
		return "input"
	case DomainCompression:
		return "compression"
	case DomainMemory:
		return "memory"
	case DomainRuntime:
		return "runtime"
	}
	return "unknown"
}

// Kind is the specific failure kind within a Domain. Not every Kind is valid
// for every Domain; see spec.md §7's table.
type Kind int

const (
	KindInvalidValue Kind = iota
	KindOutOfBounds
	KindUnsupportedValue
	KindValueTooLarge
	KindOpenFailed
	KindReadFailed
	KindSeekFailed
	KindAccessDenied
	KindInvalidResource
	KindInvalidData
	KindSignatureMismatch
	KindChecksumMismatch
	KindValueMismatch
	KindCompressFailed
	KindDecompressFailed
	KindInsufficient
	KindSetFailed
	KindValueMissing
	KindValueAlreadySet
	KindInitializeFailed
	KindGetFailed
	KindAbortRequested
)

func (k Kind) String() string {
	switch k {
	case KindInvalidValue:
		return "invalid-value"
	case KindOutOfBounds:
		return "out-of-bounds"
	case KindUnsupportedValue:
		return "unsupported-value"
	case KindValueTooLarge:
		return "value-too-large"
	case KindOpenFailed:
		return "open-failed"
	case KindReadFailed:
		return "read-failed"
	case KindSeekFailed:
		return "seek-failed"
	case KindAccessDenied:
		return "access-denied"
	case KindInvalidResource:
		return "invalid-resource"
	case KindInvalidData:
		return "invalid-data"
	case KindSignatureMismatch:
		return "signature-mismatch"
	case KindChecksumMismatch:
		return "checksum-mismatch"
	case KindValueMismatch:
		return "value-mismatch"
	case KindCompressFailed:
		return "compress-failed"
	case KindDecompressFailed:
		return "decompress-failed"
	case KindInsufficient:
		return "insufficient"
	case KindSetFailed:
		return "set-failed"
	case KindValueMissing:
		return "value-missing"
	case KindValueAlreadySet:
		return "value-already-set"
	case KindInitializeFailed:
		return "initialize-failed"
	case KindGetFailed:
		return "get-failed"
	case KindAbortRequested:
		return "abort-requested"
	}
	return "unknown"
}

// Error is ntfscore's tagged error type: a Domain x Kind pair plus the
// operation that failed and, usually, a wrapped cause.
type Error struct {
	Domain Domain
	Kind   Kind
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s/%s: %v", e.Op, e.Domain, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s/%s", e.Op, e.Domain, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(domain Domain, kind Kind, op string, err error) *Error {
	if err != nil {
		err = xerrors.Errorf("%s: %w", op, err)
	}
	return &Error{Domain: domain, Kind: kind, Op: op, Err: err}
}

// Argument builds a programmer-fault error. Argument-domain errors are never
// recovered from; callers should treat them as bugs in the caller.
func Argument(kind Kind, op string, err error) *Error { return newErr(DomainArgument, kind, op, err) }

// IO builds a block-source/transport error.
func IO(kind Kind, op string, err error) *Error { return newErr(DomainIO, kind, op, err) }

// Input builds an on-disk-data error. Input errors scoped to a single MFT
// entry or index node are recoverable (spec.md §7); a corrupted flag is set
// and the caller continues.
func Input(kind Kind, op string, err error) *Error { return newErr(DomainInput, kind, op, err) }

// Compression builds a decompression-pipe error.
func Compression(kind Kind, op string, err error) *Error {
	return newErr(DomainCompression, kind, op, err)
}

// Memory builds an allocation-failure error.
func Memory(kind Kind, op string, err error) *Error { return newErr(DomainMemory, kind, op, err) }

// Runtime builds an internal-invariant error (cache/lock/abort failures).
func Runtime(kind Kind, op string, err error) *Error { return newErr(DomainRuntime, kind, op, err) }

// Is reports whether err is an *Error with the given domain and kind.
func Is(err error, domain Domain, kind Kind) bool {
	var e *Error
	if !xerrors.As(err, &e) {
		return false
	}
	return e.Domain == domain && e.Kind == kind
}

// ErrAbortRequested is returned by any operation that observes a triggered
// abort flag (spec.md §5).
var ErrAbortRequested = Runtime(KindAbortRequested, "abort", nil)
