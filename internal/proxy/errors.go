package proxy

import (
	"errors"
	"fmt"
)

// Codes carried by VariationError.
const (
	CodeFlagNotFound = "FLAG_NOT_FOUND"
	CodeNoPayload    = "NO_PAYLOAD"
	CodeTypeMismatch = "TYPE_MISMATCH"
)

// Sentinels matched by errors.Is against a *VariationError of the same code.
var (
	ErrFlagNotFound = errors.New("flagz: flag not found")
	ErrNoPayload    = errors.New("flagz: flag has no payload")
	ErrTypeMismatch = errors.New("flagz: flag payload has the wrong type")
)

// VariationError is returned by the strict variation family.
type VariationError struct {
	Code string
	Flag string
	// Expected and Actual are set for TYPE_MISMATCH.
	Expected string
	Actual   string
}

func (e *VariationError) Error() string {
	if e.Code == CodeTypeMismatch {
		return fmt.Sprintf("flagz: flag %q: %s: expected %s, got %s", e.Flag, e.Code, e.Expected, e.Actual)
	}
	return fmt.Sprintf("flagz: flag %q: %s", e.Flag, e.Code)
}

func (e *VariationError) Unwrap() error {
	switch e.Code {
	case CodeFlagNotFound:
		return ErrFlagNotFound
	case CodeNoPayload:
		return ErrNoPayload
	case CodeTypeMismatch:
		return ErrTypeMismatch
	}
	return nil
}
