package task

import (
	"errors"
	"strings"

	"github.com/voyantai/ragline/internal/embed"
)

// ErrIllegalTransition is returned when a control operation is attempted
// from a state that does not permit it.
var ErrIllegalTransition = errors.New("illegal_transition")

// ErrNotFound is returned when a job id is unknown or its record expired.
var ErrNotFound = errors.New("task not found")

// nonRecoverable marks job-level failures where retrying cannot help.
var nonRecoverable = []string{
	"file not found",
	"permission denied",
	"invalid json",
	"schema validation",
	"authentication",
	"unauthorized",
	"invalid key",
	"api key",
	"forbidden",
}

// Recoverable reports whether a job failure is worth retrying from the
// latest checkpoint.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	// A batch over the hard dispatch limits reproduces on every attempt.
	if errors.Is(err, embed.ErrBatchInvariant) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range nonRecoverable {
		if strings.Contains(msg, indicator) {
			return false
		}
	}
	return true
}
