package config

import "fmt"

// Error marks a catalogue problem: an unknown job or target reference, a
// dependency cycle, or a staging-path collision. It is the only error
// class that aborts a run before any job executes.
type Error struct {
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Detail
}

// Errorf builds a catalogue error with fmt-style formatting.
func Errorf(format string, args ...any) error {
	return &Error{Detail: fmt.Sprintf(format, args...)}
}
