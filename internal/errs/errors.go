// Package errs defines mongolite's error taxonomy (spec.md §7).
//
// Kinds that carry no useful payload are plain sentinel values, matching
// bundoc's internal/util/errors.go style. Kinds that carry a payload
// (corruption detail, the duplicate key, a missing hint index name) are
// typed structs implementing error, grounded on
// bobboyms-storage-engine/pkg/errors/errors.go's per-kind struct
// convention — a bare sentinel can't carry that context, and the spec's
// taxonomy explicitly wants it (e.g. IndexError("Duplicate key")).
//
// Callers branch on the typed kinds with errors.As (for example with a
// *errs.IndexError target) without string-matching Error().
// TransactionAbortedError also matches ErrTransactionAborted under
// errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds with no payload worth attaching.
var (
	ErrCollectionNotFound  = errors.New("mongolite: collection not found")
	ErrCollectionExists    = errors.New("mongolite: collection already exists")
	ErrDocumentNotFound    = errors.New("mongolite: document not found")
	ErrTransactionAborted  = errors.New("mongolite: transaction aborted")
	ErrTransactionCommitted = errors.New("mongolite: transaction already committed or aborted")
	ErrDatabaseClosed      = errors.New("mongolite: database is closed")
	ErrAggregation         = errors.New("mongolite: aggregation pipeline error")
)

// IoError wraps an underlying filesystem failure (spec.md §7 "Io").
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("mongolite: io error during %s: %v", e.Op, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// SerializationError reports an encoding failure on a payload being
// written out (spec.md §7 "Serialization").
type SerializationError struct {
	Detail string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("mongolite: serialization error: %s", e.Detail)
}

// DeserializationError reports a parse failure on persisted bytes or a
// user-supplied payload (spec.md §7 "Deserialization").
type DeserializationError struct {
	Detail string
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("mongolite: deserialization error: %s", e.Detail)
}

// CorruptionError reports an on-disk invariant violation (spec.md §7
// "Corruption" — bad magic, metadata won't fit, node type tag mismatch).
type CorruptionError struct {
	Detail string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("mongolite: corruption: %s", e.Detail)
}

// WALCorruptionError reports a CRC mismatch or unrecognized frame type
// encountered during WAL recovery.
type WALCorruptionError struct {
	Detail string
}

func (e *WALCorruptionError) Error() string {
	return fmt.Sprintf("mongolite: WAL corruption: %s", e.Detail)
}

// IndexErrorKind distinguishes the several conditions spec.md §7 folds
// into "IndexError".
type IndexErrorKind int

const (
	IndexDuplicateKey IndexErrorKind = iota
	IndexNodeTooLarge
	IndexHintNotFound
	IndexHintFieldMismatch
	IndexNameInUse
)

// IndexError reports a B+ tree index-engine failure: a duplicate key under
// a unique index, a node that doesn't fit a page, a hint naming a missing
// index, a hint whose index doesn't cover the queried field, or an index
// name collision.
type IndexError struct {
	Kind    IndexErrorKind
	Message string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("mongolite: index error: %s", e.Message)
}

func NewDuplicateKeyError(key string) *IndexError {
	return &IndexError{Kind: IndexDuplicateKey, Message: fmt.Sprintf("duplicate key %q", key)}
}

func NewNodeTooLargeError(detail string) *IndexError {
	return &IndexError{Kind: IndexNodeTooLarge, Message: detail}
}

func NewHintNotFoundError(name string) *IndexError {
	return &IndexError{Kind: IndexHintNotFound, Message: fmt.Sprintf("hint index %q not found", name)}
}

func NewHintFieldMismatchError(name, field string) *IndexError {
	return &IndexError{Kind: IndexHintFieldMismatch, Message: fmt.Sprintf("hint index %q does not cover field %q", name, field)}
}

func NewIndexNameInUseError(name string) *IndexError {
	return &IndexError{Kind: IndexNameInUse, Message: fmt.Sprintf("index %q already exists", name)}
}

// InvalidQueryError reports a malformed predicate or unknown operator.
type InvalidQueryError struct {
	Detail string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("mongolite: invalid query: %s", e.Detail)
}

// TransactionAbortedError reports a missing transaction or a user-triggered
// abort, carrying the reason (spec.md §7 "TransactionAborted(reason)").
type TransactionAbortedError struct {
	Reason string
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("mongolite: transaction aborted: %s", e.Reason)
}

// Is reports errors.Is(err, ErrTransactionAborted) true for any instance,
// so callers that only care "was it aborted" don't need the reason.
func (e *TransactionAbortedError) Is(target error) bool {
	return target == ErrTransactionAborted
}
