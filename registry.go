package eternity

import (
	"fmt"
	"reflect"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

var (
	workflowContextType = reflect.TypeOf((*WorkflowContext)(nil))
	activityContextType = reflect.TypeOf((*ActivityContext)(nil))
	errorType           = reflect.TypeOf((*error)(nil)).Elem()
)

// WorkflowOptions are the per-type knobs a workflow author declares:
// how long to keep the entity around after it terminates, and whether
// its activity history is dropped once it is garbage collected.
type WorkflowOptions struct {
	PreserveTime        time.Duration
	FailurePreserveTime time.Duration
	DeleteHistory       bool
}

// DefaultWorkflowOptions mirrors a conservative retention policy: keep
// terminal entities around for inspection, drop history promptly.
func DefaultWorkflowOptions() WorkflowOptions {
	return WorkflowOptions{
		PreserveTime:        24 * time.Hour,
		FailurePreserveTime: 7 * 24 * time.Hour,
		DeleteHistory:       true,
	}
}

// workflowDescriptor is the reflective binding for one registered
// workflow type, resolved once at registration time, never per-call.
type workflowDescriptor struct {
	TypeName string
	Fn       reflect.Value // func(*WorkflowContext, I) (O, error)
	InType   reflect.Type
	OutType  reflect.Type
	Options  WorkflowOptions
}

// injectedParam names an activity parameter resolved from the
// dependency scope at run time instead of being decoded from storage.
type injectedParam struct {
	Index int
	Name  string
}

// activityDescriptor is the reflective binding for one registered
// activity. uniqueByArgs mirrors the author's registration option
// (default true): when false, the replay key uses a call-site counter
// instead of hashing the arguments.
type activityDescriptor struct {
	Name         string
	Fn           reflect.Value // func(*ActivityContext, args...) (R, error)
	ArgTypes     []reflect.Type
	OutType      reflect.Type // nil if the func returns only error
	UniqueByArgs bool
	Injected     []injectedParam
}

func (d *activityDescriptor) serializedArgIndexes() []int {
	injected := make(map[int]bool, len(d.Injected))
	for _, inj := range d.Injected {
		injected[inj.Index] = true
	}
	out := make([]int, 0, len(d.ArgTypes))
	for i := range d.ArgTypes {
		if !injected[i] {
			out = append(out, i)
		}
	}
	return out
}

// Scope resolves named dependencies for activity parameters tagged as
// Inject; it is supplied once when constructing the
// Engine and consulted fresh on every activity invocation, since the
// resolved value (a DB client, an HTTP client) is allowed to be
// process-local and must never be serialized.
type Scope interface {
	Resolve(name string) (interface{}, bool)
}

// ScopeFunc adapts a plain function to Scope.
type ScopeFunc func(name string) (interface{}, bool)

func (f ScopeFunc) Resolve(name string) (interface{}, bool) { return f(name) }

// emptyScope resolves nothing; used when the engine is built without
// WithScope.
type emptyScope struct{}

func (emptyScope) Resolve(string) (interface{}, bool) { return nil, false }

// ActivityOption configures a registered activity.
type ActivityOption func(*activityDescriptor)

// UniqueByArgs overrides the default (true): when false, replay
// identity for this activity ignores argument contents and uses the
// call-site occurrence counter instead, matching the uniqueByArgs=false
// path (used internally for Delay and
// WaitForExternalEvents, but available to authors for any activity
// whose arguments are not meaningful to its identity — e.g. a
// "fetch current time" activity that takes no stable input).
func UniqueByArgs(unique bool) ActivityOption {
	return func(d *activityDescriptor) { d.UniqueByArgs = unique }
}

// Inject marks argument index idx (0-based, after the ActivityContext
// parameter) as resolved from the engine's Scope under name, instead
// of being decoded from the persisted Parameters.
func Inject(idx int, name string) ActivityOption {
	return func(d *activityDescriptor) {
		d.Injected = append(d.Injected, injectedParam{Index: idx, Name: name})
	}
}

// Registry holds the workflow and activity types an Engine knows how
// to rehydrate by name.
type Registry struct {
	workflows  map[string]*workflowDescriptor
	activities map[string]*activityDescriptor
	callCache  *gocache.Cache
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  map[string]*workflowDescriptor{},
		activities: map[string]*activityDescriptor{},
		// No expiration: a descriptor's bound reflect.Value is valid
		// for the lifetime of the process: avoids re-resolving the
		// call shim by reflection on every activity invocation.
		callCache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// RegisterWorkflow registers fn, a func(*WorkflowContext, I) (O, error),
// under typeName.
func (r *Registry) RegisterWorkflow(typeName string, fn interface{}, opts WorkflowOptions) error {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return fmt.Errorf("eternity: RegisterWorkflow(%q): not a function", typeName)
	}
	if fnType.NumIn() != 2 || fnType.In(0) != workflowContextType {
		return fmt.Errorf("eternity: RegisterWorkflow(%q): signature must be func(*WorkflowContext, Input) (Output, error)", typeName)
	}
	if fnType.NumOut() != 2 || fnType.Out(1) != errorType {
		return fmt.Errorf("eternity: RegisterWorkflow(%q): must return (Output, error)", typeName)
	}
	r.workflows[typeName] = &workflowDescriptor{
		TypeName: typeName,
		Fn:       reflect.ValueOf(fn),
		InType:   fnType.In(1),
		OutType:  fnType.Out(0),
		Options:  opts,
	}
	return nil
}

// RegisterActivity registers fn, a func(*ActivityContext, args...) (R, error)
// or func(*ActivityContext, args...) error, under name.
func (r *Registry) RegisterActivity(name string, fn interface{}, opts ...ActivityOption) error {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return fmt.Errorf("eternity: RegisterActivity(%q): not a function", name)
	}
	if fnType.NumIn() < 1 || fnType.In(0) != activityContextType {
		return fmt.Errorf("eternity: RegisterActivity(%q): first parameter must be *ActivityContext", name)
	}
	if fnType.NumOut() == 0 || fnType.Out(fnType.NumOut()-1) != errorType {
		return fmt.Errorf("eternity: RegisterActivity(%q): last return value must be error", name)
	}

	d := &activityDescriptor{
		Name:         name,
		Fn:           reflect.ValueOf(fn),
		UniqueByArgs: true,
	}
	for i := 1; i < fnType.NumIn(); i++ {
		d.ArgTypes = append(d.ArgTypes, fnType.In(i))
	}
	if fnType.NumOut() == 2 {
		d.OutType = fnType.Out(0)
	}
	for _, opt := range opts {
		opt(d)
	}
	r.activities[name] = d
	r.callCache.Set(name, d, gocache.NoExpiration)
	return nil
}

func (r *Registry) workflow(typeName string) (*workflowDescriptor, error) {
	d, ok := r.workflows[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: workflow type %q not registered", ErrNotFound, typeName)
	}
	return d, nil
}

func (r *Registry) activity(name string) (*activityDescriptor, error) {
	if cached, ok := r.callCache.Get(name); ok {
		return cached.(*activityDescriptor), nil
	}
	d, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: activity %q not registered", ErrNotFound, name)
	}
	return d, nil
}
