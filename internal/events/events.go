// Package events defines the tagged diagnostic the engine hands to an
// installed error handler: one struct with a Kind field rather than a
// hierarchy of error types, so a single handler signature covers every
// variant.
package events

import (
	"time"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
)

// Kind discriminates the diagnostic variants.
type Kind int

const (
	// ResolutionNoDefinition: a call reached a tuple with no applicable
	// definition.
	ResolutionNoDefinition Kind = iota
	// ResolutionAmbiguous: a call reached a tuple with more than one
	// Pareto-minimal applicable definition.
	ResolutionAmbiguous
	// UnknownClassUpdate: update() found a base key that was never
	// registered.
	UnknownClassUpdate
	// UnknownClassCall: a call argument could not be resolved to a method
	// table (unregistered Go type, nil indirect cell, or a failed
	// perfect-hash lookup, including the control-array check when
	// enable_runtime_checks is on).
	UnknownClassCall
	// HashSearchFailed: the perfect-hash search exhausted its budget.
	HashSearchFailed
	// MethodTableError: a call argument's table reference lies outside
	// its pool, or the resolved dispatch cell does. Checked on every call.
	MethodTableError
)

func (k Kind) String() string {
	switch k {
	case ResolutionNoDefinition:
		return "NoDefinition"
	case ResolutionAmbiguous:
		return "Ambiguous"
	case UnknownClassUpdate:
		return "UnknownClass(Update)"
	case UnknownClassCall:
		return "UnknownClass(Call)"
	case HashSearchFailed:
		return "HashSearchFailed"
	case MethodTableError:
		return "MethodTableError"
	default:
		return "Unknown"
	}
}

// Event is the single struct passed to an installed handler for every
// variant of the tagged union.
type Event struct {
	Kind Kind

	// Populated for Resolution* events.
	Method string
	Arity  int
	Keys   []catalog.Key

	// Populated for UnknownClass* events.
	Key catalog.Key

	// Populated for HashSearchFailed.
	Attempts int
	Duration time.Duration
	Buckets  int

	Message string
}

// Handler is the process-global callback installed via
// Engine.SetErrorHandler.
type Handler func(Event)
