package puppet

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Puppet from options. It must not perform network I/O;
// that happens in Start.
type Factory func(opts Options) (Puppet, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a factory available under name. Adapters call it from
// their init function.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// New builds a puppet with the factory registered under name.
func New(name string, opts Options) (Puppet, error) {
	f, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPuppet, name)
	}
	p, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s puppet: %w", name, err)
	}
	return p, nil
}

// Names lists the registered adapters, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
