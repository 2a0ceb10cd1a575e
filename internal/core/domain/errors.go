package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrArchiveNotFound = errors.New("archive not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrTemporary       = errors.New("temporary failure")

	// Ingest taxonomy. All three are ErrInvalidInput kinds so the HTTP
	// layer maps them to 400 without knowing the spreadsheet format.
	ErrEmptyData     = fmt.Errorf("%w: empty data", ErrInvalidInput)
	ErrMissingField  = fmt.Errorf("%w: missing field", ErrInvalidInput)
	ErrMalformedFile = fmt.Errorf("%w: malformed file", ErrInvalidInput)

	ErrExport  = errors.New("export failure")
	ErrStorage = errors.New("storage failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
