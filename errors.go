package mrdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure is matched by every *StorageError and *DataError.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvariantViolation is matched by every *InvariantError.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrConcurrency is matched by every *ConcurrencyError.
	ErrConcurrency = errors.New("concurrency conflict")

	ErrClosed = errors.New("store closed")

	// ErrReadOnly is returned by Batch on a store opened with ReadOnly.
	ErrReadOnly = errors.New("store is read-only")

	// ErrTransactionExpired is returned when committing a transaction whose
	// timeout has passed; its locks no longer protect anything.
	ErrTransactionExpired = errors.New("transaction expired")

	errConflict = errors.New("write conflict")
)

type NotFoundError struct {
	Kind string
	Name string
}

func notFoundErrf(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

func indexNotFound(name string) error {
	return notFoundErrf("index", name)
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type StorageError struct {
	Op  string
	Err error
}

func storageErrf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: fmt.Sprintf(format, args...), Err: err}
}

func (e *StorageError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

type InvariantError struct {
	Index string
	Msg   string
}

func (e *InvariantError) Error() string {
	if e.Index == "" {
		return "invariant violation: " + e.Msg
	}
	return fmt.Sprintf("invariant violation on index %q: %s", e.Index, e.Msg)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

type ConcurrencyError struct {
	Key      string
	Expected *Etag
	Actual   *Etag
	LockedBy string
}

func (e *ConcurrencyError) Error() string {
	var buf strings.Builder
	buf.WriteString("concurrency conflict on ")
	fmt.Fprintf(&buf, "%q", e.Key)
	if e.LockedBy != "" {
		buf.WriteString(": locked by transaction ")
		buf.WriteString(e.LockedBy)
		return buf.String()
	}
	buf.WriteString(": expected etag ")
	buf.WriteString(etagOrNone(e.Expected))
	buf.WriteString(", actual ")
	buf.WriteString(etagOrNone(e.Actual))
	return buf.String()
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

func etagOrNone(e *Etag) string {
	if e == nil {
		return "<none>"
	}
	return e.String()
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Is(target error) bool {
	return target == ErrStorageFailure
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
