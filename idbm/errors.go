package idbm

import "errors"

var (
	// ErrSkip is returned by a ForEachIface callback for a record that is
	// not a match. Skipped records are not counted.
	ErrSkip = errors.New("idbm: record skipped")

	ErrNotFound      = errors.New("idbm: record not found")
	ErrExists        = errors.New("idbm: record exists")
	ErrUnknownParam  = errors.New("idbm: unknown parameter")
	ErrReadOnlyParam = errors.New("idbm: parameter cannot be modified")
	ErrInvalidValue  = errors.New("idbm: invalid parameter value")
	ErrCorrupt       = errors.New("idbm: corrupt record")
)
