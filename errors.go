package main

import (
	"github.com/cockroachdb/errors"
)

// Errors returned at the API boundary. Callers match them with errors.Is.
var (
	ErrUnknownBath     = errors.New("unknown bath")
	ErrInvalidInput    = errors.New("invalid input")
	ErrCommandFailed   = errors.New("command failed")
	ErrCommandRejected = errors.New("command rejected by device")
)

func unknownBath(id int) error {
	return errors.Wrapf(ErrUnknownBath, "bath %d", id)
}
