package mmdispatch

import "github.com/mmdispatch/mmdispatch/internal/events"

// Event, Kind, and Handler re-export internal/events' tagged diagnostic so
// application code never has to import an internal package to install a
// handler.
type (
	Event   = events.Event
	Kind    = events.Kind
	Handler = events.Handler
)

const (
	ResolutionNoDefinition = events.ResolutionNoDefinition
	ResolutionAmbiguous    = events.ResolutionAmbiguous
	UnknownClassUpdate     = events.UnknownClassUpdate
	UnknownClassCall       = events.UnknownClassCall
	HashSearchFailed       = events.HashSearchFailed
	MethodTableError       = events.MethodTableError
)
