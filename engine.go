// Package mmdispatch is an open multi-method dispatch compiler: it turns a
// catalog of registered classes, method signatures, and definitions into
// per-class dispatch tables that resolve a call in a constant, small number
// of indirect loads.
package mmdispatch

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mmdispatch/mmdispatch/internal/catalog"
	"github.com/mmdispatch/mmdispatch/internal/dispatch"
	"github.com/mmdispatch/mmdispatch/internal/emit"
	"github.com/mmdispatch/mmdispatch/internal/events"
	"github.com/mmdispatch/mmdispatch/internal/inherit"
	"github.com/mmdispatch/mmdispatch/internal/polyhash"
	"github.com/mmdispatch/mmdispatch/internal/resolve"
	"github.com/mmdispatch/mmdispatch/internal/runtime"
	"github.com/mmdispatch/mmdispatch/internal/slots"
)

// The three key-carrying argument variants from internal/runtime and the
// table types they resolve through, re-exported so callers can hand them
// to Call without importing an internal package.
type (
	IntrusiveHolder = runtime.IntrusiveHolder
	FatPointer      = runtime.FatPointer
	IndirectPointer = runtime.IndirectPointer
	TableRef        = emit.TableRef
	IndirectCell    = emit.IndirectCell
)

// State is the engine's lifecycle state.
type State int32

const (
	Idle State = iota
	Building
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Building:
		return "Building"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Engine is a process-wide (or, in tests, private) dispatch engine: the
// catalog plus everything update() compiles from it.
type Engine struct {
	Catalog *catalog.Catalog
	runtime *runtime.Runtime

	state atomic.Int32

	mu       sync.Mutex // guards concurrent Update() callers; keeping Update() from overlapping calls is still the application's job
	policy   Policy
	indirect map[catalog.Key]*emit.IndirectCell

	log *logrus.Logger
}

// New constructs an engine in the Idle state.
func New(policy Policy) *Engine {
	e := &Engine{
		Catalog:  catalog.New(),
		runtime:  runtime.New(),
		policy:   policy,
		indirect: make(map[catalog.Key]*emit.IndirectCell),
		log:      logrus.StandardLogger(),
	}
	e.state.Store(int32(Idle))
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// SetErrorHandler installs the process-global diagnostic callback.
func (e *Engine) SetErrorHandler(h Handler) { e.runtime.SetHandler(h) }

// RegisterClass appends a class registration to the catalog. Closing the
// returned handle removes it.
func (e *Engine) RegisterClass(key catalog.Key, bases []catalog.Key, abstract bool) catalog.Handle {
	return e.Catalog.RegisterClass(key, bases, abstract)
}

// RegisterMethod declares a method. A nil notImpl/ambiguous falls back to
// the engine's default handlers, which report through the installed error
// handler and then panic: a call that resolved to no definition must never
// regain control.
func (e *Engine) RegisterMethod(name string, params []catalog.ParamSpec, notImpl, ambiguous catalog.Wrapper) (*catalog.MethodRecord, catalog.Handle) {
	if notImpl == nil {
		notImpl = e.defaultNotImplemented(name)
	}
	if ambiguous == nil {
		ambiguous = e.defaultAmbiguous(name)
	}
	return e.Catalog.RegisterMethod(name, params, notImpl, ambiguous)
}

func (e *Engine) defaultNotImplemented(name string) catalog.Wrapper {
	return func(args ...any) any {
		e.reportAndAbort(events.Event{Kind: events.ResolutionNoDefinition, Method: name, Arity: len(args), Keys: e.argKeys(args)})
		return nil
	}
}

func (e *Engine) defaultAmbiguous(name string) catalog.Wrapper {
	return func(args ...any) any {
		e.reportAndAbort(events.Event{Kind: events.ResolutionAmbiguous, Method: name, Arity: len(args), Keys: e.argKeys(args)})
		return nil
	}
}

// argKeys recovers class keys for the failed call's arguments where the
// runtime-type-identity registry knows them; holder and fat-pointer args
// carry no key, so the slice may be shorter than the arity.
func (e *Engine) argKeys(args []any) []catalog.Key {
	var keys []catalog.Key
	for _, a := range args {
		if k, ok := e.runtime.KeyOf(a); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// reportAndAbort is the default not_implemented/ambiguous handler body:
// report through whatever handler is installed, then panic. The failed call
// must not continue with an unresolved function.
func (e *Engine) reportAndAbort(ev events.Event) {
	e.runtime.Report(ev)
	panic("mmdispatch: " + ev.Kind.String() + " for " + ev.Method)
}

// RegisterDefinition adds a concrete override.
func (e *Engine) RegisterDefinition(m *catalog.MethodRecord, spec []catalog.Key, body catalog.Wrapper) (*catalog.DefinitionRecord, catalog.Handle, error) {
	return e.Catalog.RegisterDefinition(m, spec, body)
}

// RegisterType associates a Go type with a class key for virtual arguments
// resolved via runtime type identity rather than an intrusive holder or
// fat pointer. t is any value of the type being registered; only its
// dynamic type is used.
func (e *Engine) RegisterType(t any, key catalog.Key) {
	e.runtime.RegisterType(t, key)
}

// MethodTableOf resolves a class key to its current method table via the
// published perfect hash. In direct mode the returned TableRef is only
// valid until the next Update().
func (e *Engine) MethodTableOf(key catalog.Key) (TableRef, bool) {
	return e.runtime.Lookup(key)
}

// IndirectCellOf returns the stable per-class cell an indirect-mode holder
// keeps across update() calls. It returns nil before the first successful
// Update(), for classes not live in the catalog, or when the policy runs
// the engine in direct mode.
func (e *Engine) IndirectCellOf(key catalog.Key) *emit.IndirectCell {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indirect[key]
}

// Call resolves and invokes m for the given virtual arguments.
func (e *Engine) Call(m *catalog.MethodRecord, args ...any) (any, error) {
	if e.policy.Trace.logsCalls() {
		e.log.Debugf("mmdispatch: call %s arity=%d", m.Name, len(args))
	}
	return e.runtime.Call(m, args...)
}

// Update recompiles the dispatch tables from the catalog's current
// contents. It either publishes a fully consistent new state or returns an
// error and leaves prior state intact.
func (e *Engine) Update() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.State()
	e.state.Store(int32(Building))
	if e.policy.Trace.logsRuntime() {
		e.log.Debugf("mmdispatch: update() starting")
	}

	artifacts, err := e.compile()
	if err != nil {
		e.state.Store(int32(prev))
		if e.policy.Trace.logsRuntime() {
			e.log.Debugf("mmdispatch: update() failed: %v", err)
		}
		return err
	}

	e.runtime.Publish(artifacts)
	for k := range e.indirect {
		if _, live := artifacts.TableBase[k]; !live {
			delete(e.indirect, k)
		}
	}
	e.state.Store(int32(Ready))
	if e.policy.Trace.logsRuntime() {
		e.log.Debugf("mmdispatch: update() published, buckets=%d", artifacts.Hash.Buckets)
	}
	return nil
}

// Teardown returns the engine to Idle. It does not clear the catalog:
// re-registering classes/methods and calling Update() again is legal.
func (e *Engine) Teardown() { e.state.Store(int32(Idle)) }

func (e *Engine) compile() (*emit.Artifacts, error) {
	snap := e.Catalog.Snapshot()

	graph, err := inherit.Resolve(snap.Classes)
	if err != nil {
		var unk *inherit.UnknownClassError
		if errors.As(err, &unk) {
			e.runtime.Report(events.Event{Kind: events.UnknownClassUpdate, Key: unk.Key})
		}
		return nil, errors.Wrap(err, "mmdispatch: update: resolve inheritance")
	}

	defsByMethod := make(map[uint64][]*catalog.DefinitionRecord, len(snap.Methods))
	for _, d := range snap.Defs {
		id := d.Method.ID()
		defsByMethod[id] = append(defsByMethod[id], d)
	}

	asg := slots.Allocate(graph, snap.Methods)
	for _, m := range snap.Methods {
		asg.Write(m)
	}

	resolved := make([]emit.Resolved, 0, len(snap.Methods))
	for _, m := range snap.Methods {
		conforming := resolve.ConformingSets(graph, m)
		res := resolve.Method(graph, m, defsByMethod[m.ID()])

		var table *dispatch.Table
		if m.Arity >= 2 {
			table = dispatch.Build(graph, m, conforming, res)
			table.WriteStrides(m)
		}

		resolved = append(resolved, emit.Resolved{
			Method:     m,
			Conforming: conforming,
			Result:     res,
			Table:      table,
		})
	}

	artifacts, err := emit.Emit(graph, asg.Width, resolved, e.indirect, emit.Options{
		EnableRuntimeChecks: e.policy.EnableRuntimeChecks,
		UseIndirectPointers: e.policy.UseIndirectMethodPointers,
		HashBudget:          e.policy.budget(),
	})
	if err != nil {
		var failed *polyhash.FailedError
		if errors.As(err, &failed) {
			e.runtime.Report(events.Event{
				Kind:     events.HashSearchFailed,
				Attempts: failed.Attempts,
				Duration: failed.Duration,
				Buckets:  failed.Buckets,
			})
		}
		return nil, errors.Wrap(err, "mmdispatch: update: emit")
	}

	return artifacts, nil
}
