package protocol

import (
	"errors"

	"github.com/cuemby/quarry/pkg/types"
)

// Status is the i8 result code carried by storage responses
type Status int8

const (
	StatusSuccess       Status = 0
	StatusProtocolError Status = -1

	StatusFileTagMissing   Status = -2
	StatusFileTagExists    Status = -3
	StatusAlreadyCommitted Status = -4
	StatusOutOfBounds      Status = -5
	StatusNotEnoughSpace   Status = -6
	StatusCorruptIndex     Status = -7
)

var statusNames = map[Status]string{
	StatusSuccess:          "SUCCESS",
	StatusProtocolError:    "PROTOCOL_ERROR",
	StatusFileTagMissing:   "FILE_TAG_MISSING",
	StatusFileTagExists:    "FILE_TAG_ALREADY_EXISTS",
	StatusAlreadyCommitted: "FILE_ALREADY_COMMITTED",
	StatusOutOfBounds:      "READ_OUT_OF_BOUNDS",
	StatusNotEnoughSpace:   "NOT_ENOUGH_SPACE",
	StatusCorruptIndex:     "CORRUPT_HASH_INDEX",
}

// StatusByName resolves a status from its wire name; used when an
// error travels inside a STORAGE_ERROR message.
func StatusByName(name string) (Status, bool) {
	for status, n := range statusNames {
		if n == name {
			return status, true
		}
	}
	return StatusProtocolError, false
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// StatusFromError maps a domain error onto its wire status
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, types.ErrFileTagMissing):
		return StatusFileTagMissing
	case errors.Is(err, types.ErrFileTagExists):
		return StatusFileTagExists
	case errors.Is(err, types.ErrAlreadyCommitted):
		return StatusAlreadyCommitted
	case errors.Is(err, types.ErrOutOfBounds):
		return StatusOutOfBounds
	case errors.Is(err, types.ErrNotEnoughSpace):
		return StatusNotEnoughSpace
	case errors.Is(err, types.ErrCorruptIndex):
		return StatusCorruptIndex
	default:
		return StatusProtocolError
	}
}

// Err maps a wire status back onto the shared domain errors
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusFileTagMissing:
		return types.ErrFileTagMissing
	case StatusFileTagExists:
		return types.ErrFileTagExists
	case StatusAlreadyCommitted:
		return types.ErrAlreadyCommitted
	case StatusOutOfBounds:
		return types.ErrOutOfBounds
	case StatusNotEnoughSpace:
		return types.ErrNotEnoughSpace
	case StatusCorruptIndex:
		return types.ErrCorruptIndex
	default:
		return &StatusError{Status: s}
	}
}

// StatusError wraps an unmapped non-success status
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "storage status " + e.Status.String()
}
