package runtime

import (
	"sync"

	"taskmill/internal/backend"
	"taskmill/internal/value"
)

// NativeFunc is the body of a persistent task: pure over its inputs modulo
// the reads it performs through the context (which are tracked as
// dependencies).
type NativeFunc func(tc backend.TaskContext, inputs []any) (value.Ref, error)

type traitImplKey struct {
	trait  backend.TraitID
	method string
	typ    value.TypeID
}

// Registry maps function and trait ids to native implementations. Functions
// must be registered before any task naming them executes; registration order
// is the id order, so it must be deterministic across processes for
// fingerprints to agree.
type Registry struct {
	mu         sync.RWMutex
	funcs      []NativeFunc
	funcNames  map[string]backend.FuncID
	traitNames map[string]backend.TraitID
	nextTrait  backend.TraitID
	impls      map[traitImplKey]NativeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcNames:  make(map[string]backend.FuncID),
		traitNames: make(map[string]backend.TraitID),
		impls:      make(map[traitImplKey]NativeFunc),
	}
}

// RegisterFunc registers fn under name and returns its id. Registering the
// same name twice returns the original id and keeps the original function.
func (r *Registry) RegisterFunc(name string, fn NativeFunc) backend.FuncID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.funcNames[name]; ok {
		return id
	}
	r.funcs = append(r.funcs, fn)
	id := backend.FuncID(len(r.funcs))
	r.funcNames[name] = id
	return id
}

// Func looks a function up by id.
func (r *Registry) Func(id backend.FuncID) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.funcs) {
		return nil, false
	}
	return r.funcs[id-1], true
}

// RegisterTrait registers a trait name and returns its id.
func (r *Registry) RegisterTrait(name string) backend.TraitID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.traitNames[name]; ok {
		return id
	}
	r.nextTrait++
	r.traitNames[name] = r.nextTrait
	return r.nextTrait
}

// RegisterTraitImpl binds (trait, method, receiver type) to fn for dynamic
// dispatch by ResolveTrait tasks.
func (r *Registry) RegisterTraitImpl(trait backend.TraitID, method string, typ value.TypeID, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[traitImplKey{trait: trait, method: method, typ: typ}] = fn
}

// TraitImpl resolves a trait method for a receiver type.
func (r *Registry) TraitImpl(trait backend.TraitID, method string, typ value.TypeID) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.impls[traitImplKey{trait: trait, method: method, typ: typ}]
	return fn, ok
}
