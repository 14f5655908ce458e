package mmdispatch

import "github.com/mmdispatch/mmdispatch/internal/polyhash"

// TraceMode selects what the engine traces: pipeline stages, call-site
// resolutions, both, or nothing.
type TraceMode int

const (
	TraceOff TraceMode = iota
	TraceRuntime
	TraceCalls
	TraceBoth
)

func (t TraceMode) logsRuntime() bool { return t == TraceRuntime || t == TraceBoth }
func (t TraceMode) logsCalls() bool   { return t == TraceCalls || t == TraceBoth }

// Policy is the engine's configuration surface.
type Policy struct {
	// UseIndirectMethodPointers: holders store a pointer-to-pointer so
	// update() is safe under live holders, at the cost of one extra load
	// per virtual argument.
	UseIndirectMethodPointers bool

	// EnableRuntimeChecks: hash lookups validate the key against a
	// parallel control array. (Table references used by a call are
	// bounds-checked against the pool whether or not this is set.)
	EnableRuntimeChecks bool

	// Trace selects pipeline and/or call-site tracing via logrus.
	Trace TraceMode

	// HashBudget bounds the perfect-hash search update() runs. Zero value
	// falls back to polyhash.DefaultBudget.
	HashBudget polyhash.Budget
}

// DefaultPolicy is the conservative configuration: direct mode, runtime
// checks off, no tracing.
func DefaultPolicy() Policy {
	return Policy{HashBudget: polyhash.DefaultBudget}
}

func (p Policy) budget() polyhash.Budget {
	if p.HashBudget.AttemptsPerShift == 0 {
		return polyhash.DefaultBudget
	}
	return p.HashBudget
}
