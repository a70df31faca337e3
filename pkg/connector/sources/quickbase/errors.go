package quickbase

import (
	stderrors "errors"
)

// Per-table configuration errors surfaced at stream construction, before
// any record extraction begins, and extraction-time contract violations.
var (
	// ErrNoKeyField means a table has no recordid-typed field.
	ErrNoKeyField = stderrors.New("no key field defined for table")

	// ErrTooManyKeyFields means a table has more than one recordid-typed
	// field.
	ErrTooManyKeyFields = stderrors.New("multiple key fields found for table")

	// ErrDateModifiedNotFound means no field of the table normalizes to
	// date_modified, so the replication key cannot be resolved.
	ErrDateModifiedNotFound = stderrors.New("no date_modified field found for table")

	// ErrUnknownField means a raw record referenced a field id that is not
	// in the table's discovered field list (schema drift mid-run).
	ErrUnknownField = stderrors.New("record references unknown field id")

	// ErrNoProgress means the remote kept returning empty pages while
	// reporting that rows remain.
	ErrNoProgress = stderrors.New("record query made no pagination progress")
)
