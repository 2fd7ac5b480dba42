// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, wrapped with fmt.Errorf("...: %w") by callers.
var (
	// Extraction errors
	ErrPacketTooShort = errors.New("flowpath: packet too short")

	// Flow table errors
	ErrDuplicateKey      = errors.New("flowpath: flow already exists")
	ErrResourceExhausted = errors.New("flowpath: flow table full")
	ErrNotFound          = errors.New("flowpath: flow not found")

	// Wire codec errors
	ErrInvalidAttribute = errors.New("flowpath: invalid attribute")
	ErrInvalidAction    = errors.New("flowpath: invalid action")

	// Upcall errors
	ErrQueueFull    = errors.New("flowpath: upcall queue full")
	ErrNotListening = errors.New("flowpath: no listener for upcall kind")

	// Port errors
	ErrNoSuchPort = errors.New("flowpath: no such port")
	ErrPortExists = errors.New("flowpath: port already exists")

	// Configuration errors
	ErrConfigInvalid = errors.New("flowpath: invalid configuration")
)
