// Package modcenter implements the Module Center: a type-keyed registry
// and two-phase lifecycle host for the process's stateful modules.
//
// Modules register themselves from a package-level init() function
// (Go's closest equivalent to the C++ original's static initializer),
// which is guaranteed by the language to run before main() executes and
// therefore before any Center is constructed. Register stores a
// constructor, a two-phase initializer, and a destructor keyed by a
// type-stable ID; Center.New runs every constructor, then every
// initializer (passing itself so modules may look up siblings), giving
// each module access to any other module regardless of registration
// order.
package modcenter

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"zamt/internal/logging"
)

// ID is a type-stable identifier: the same Go type always maps to the
// same ID within a process run, and distinct types always map to
// distinct IDs.
type ID = reflect.Type

// maxModules mirrors the original implementation's compile-time registry
// capacity (it recommended >= 64). Go's registry is a growable slice, so
// this is a guard rail against runaway registration rather than a real
// storage limit.
const maxModules = 64

type registryEntry struct {
	id      ID
	ctor    func() any
	initFn  func(*Center, any)
	destroy func(any)
}

var (
	registryMu sync.Mutex
	registry   []registryEntry
)

// Register adds a module type to the process-wide registry. ctor
// constructs the instance; initFn runs in the Center's second
// construction phase, after every module's ctor has run, so modules may
// call Get for any sibling; dtor runs on Center.Close. Register must be
// called before the first Center is constructed — in practice, from an
// init() function in the module's package.
//
// Register panics if T is already registered, matching the "registry
// entries for distinct module types are pairwise distinct" invariant;
// it is a programming error to register a type twice.
func Register[T any](ctor func() T, initFn func(*Center, T), dtor func(T)) {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := idOf[T]()
	for _, e := range registry {
		if e.id == id {
			panic(fmt.Sprintf("modcenter: module type %v already registered", id))
		}
	}
	if len(registry) >= maxModules {
		panic("modcenter: registry capacity exceeded")
	}

	registry = append(registry, registryEntry{
		id:   id,
		ctor: func() any { return ctor() },
		initFn: func(c *Center, instance any) {
			if initFn != nil {
				initFn(c, instance.(T))
			}
		},
		destroy: func(instance any) {
			if dtor != nil {
				dtor(instance.(T))
			}
		},
	})
}

// IDOf returns the type-stable identifier for module type T.
func IDOf[T any]() ID {
	return idOf[T]()
}

func idOf[T any]() ID {
	var zero T
	return reflect.TypeOf(&zero).Elem()
}

// Center owns one instance per registered module type and mediates
// type-keyed lookup between them.
//
// Multiple Centers may coexist in a process; each holds its own instance
// map, but all Centers share the same package-level registry.
type Center struct {
	log       *slog.Logger
	instances map[ID]any
}

// New constructs a Center with a discard logger. Equivalent to
// NewWithLogger(nil); use NewWithLogger to make the two-phase
// construction/destruction lifecycle observable via -v/-vmodcenter.
func New() *Center {
	return NewWithLogger(nil)
}

// NewWithLogger constructs a Center: phase one calls every registered
// ctor and stores the result; phase two calls every registered initFn
// with the fully-populated Center, so initializers may look up any
// other module via Get regardless of registration order.
func NewWithLogger(log *slog.Logger) *Center {
	log = logging.Default(log).With(logging.ComponentAttr(logging.ComponentModCenter))

	registryMu.Lock()
	entries := append([]registryEntry(nil), registry...)
	registryMu.Unlock()

	c := &Center{log: log, instances: make(map[ID]any, len(entries))}
	for _, e := range entries {
		c.instances[e.id] = e.ctor()
	}
	log.Debug("module instances constructed", "count", len(entries))

	for _, e := range entries {
		e.initFn(c, c.instances[e.id])
	}
	log.Info("module center initialized", "modules", len(entries))
	return c
}

// Close runs every registered destructor, in registry order.
func (c *Center) Close() {
	registryMu.Lock()
	entries := append([]registryEntry(nil), registry...)
	registryMu.Unlock()

	for _, e := range entries {
		if instance, ok := c.instances[e.id]; ok {
			e.destroy(instance)
		}
	}
	c.log.Info("module center closed")
}

// Get retrieves the single instance of module type T. Get panics
// (a fatal programmer error, per the design's error taxonomy) if T was
// never registered.
func Get[T any](c *Center) T {
	instance, ok := c.instances[idOf[T]()]
	if !ok {
		panic(fmt.Sprintf("modcenter: module type %v not registered", idOf[T]()))
	}
	return instance.(T)
}
