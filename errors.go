// Package quire maintains secondary indexes over a hierarchical document
// store. Each index maps the values found at one path pattern (for example
// the "age" of every child of "users") to the documents holding them, and
// lives in its own file: a fixed binary header followed by an ordered tree
// payload (see the tree package).
//
// Indexes are built by an external merge sort over a full scan of the
// document tree, kept current by HandleRecordUpdate, and queried through a
// small operator set with a per-index result cache. Array, full-text and
// geo indexes transform the raw value into different keyspaces but share the
// same build, update and query machinery.
package quire

import "errors"

// Sentinel errors for programmatic handling. Validation errors
// (ErrInvalidOperator, ErrInvalidArgument, ErrInvalidKey, ErrInvalidInclude,
// ErrInvalidPath) are returned before any I/O. ErrIndexFailed wraps the
// cause of the failed build; use errors.Is against either.
var (
	ErrInvalidOperator    = errors.New("operator not supported by this index")
	ErrInvalidArgument    = errors.New("invalid query argument")
	ErrInvalidKey         = errors.New("invalid index key")
	ErrInvalidInclude     = errors.New("invalid include key")
	ErrInvalidPath        = errors.New("path does not match the index")
	ErrNotBuilt           = errors.New("index has not been built")
	ErrIndexFailed        = errors.New("index build failed")
	ErrIndexRemoved       = errors.New("index has been removed")
	ErrCorruptHeader      = errors.New("corrupt index header")
	ErrUnsupportedVersion = errors.New("unsupported index file version")
	ErrIndexMismatch      = errors.New("index file does not match index definition")
	ErrClosed             = errors.New("database is closed")
)
