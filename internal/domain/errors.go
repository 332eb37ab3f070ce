package domain

import "errors"

var (
	// ErrNotFound signals missing data. Callers must treat it as
	// "insufficient history", never as a zero value.
	ErrNotFound = errors.New("not found")

	ErrInvalidResolution = errors.New("invalid resolution")
	ErrUnknownAsset      = errors.New("unknown asset")
)
