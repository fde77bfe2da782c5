package utils

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")
	// ErrNonFiniteDecimal is returned for NaN and infinite inputs.
	ErrNonFiniteDecimal = errors.New("value is not a finite number")
)
