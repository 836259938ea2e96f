package backend

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/model"
)

// Default is the backend used when none is named.
const Default = "reference"

var (
	mu       sync.RWMutex
	builders = map[string]model.Builder{}
)

// ErrUnknown is returned by Lookup for a name that was never registered.
var ErrUnknown = errors.New("unknown backend")

func init() {
	MustRegister(Reference())
}

// Register makes a builder available by its name.
func Register(b model.Builder) error {
	mu.Lock()
	defer mu.Unlock()
	name := b.Name()
	if name == "" {
		return errors.New("backend name is required")
	}
	if _, ok := builders[name]; ok {
		return errors.Newf("backend %q already registered", name)
	}
	builders[name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b model.Builder) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// Lookup returns the builder registered under name.
func Lookup(name string) (model.Builder, error) {
	mu.RLock()
	defer mu.RUnlock()
	if b, ok := builders[name]; ok {
		return b, nil
	}
	return nil, errors.Wrapf(ErrUnknown, "%q (available: %v)", name, namesLocked())
}

// Names returns the registered backend names in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
