package model

import (
	"errors"
	"fmt"
)

var (
	ErrNoPortAvailable     = errors.New("no port available")
	ErrEngineNotConfigured = errors.New("engine path is not configured")
)

// SpawnError is returned when the OS refused to launch an engine.
type SpawnError struct {
	Path string
	Port uint16
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning engine %s on port %d: %v", e.Path, e.Port, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EngineError is a user facing error reported by the engine.
// Crashed is set when the engine replied with an empty message and was
// killed, Message then holds the last line of its log and is reported as is,
// even when the log was empty.
type EngineError struct {
	Message string
	Crashed bool
}

func (e *EngineError) Error() string {
	if e.Message == "" && !e.Crashed {
		return "engine failed without a message"
	}
	return e.Message
}
