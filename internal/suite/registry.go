package suite

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/foundry/internal/step"
)

// ErrUnknownSuite is returned when a suite name is not registered.
var ErrUnknownSuite = errors.New("unknown suite")

// Info describes a registered suite.
type Info struct {
	Name          string        `json:"name"`
	Steps         []step.Info   `json:"steps"`
	TotalProgress time.Duration `json:"total_progress"`
}

// Registry holds the suites available to sessions, keyed by name.
type Registry struct {
	mu     sync.RWMutex
	suites map[string]*step.Registry
}

// NewRegistry creates an empty suite registry.
func NewRegistry() *Registry {
	return &Registry{
		suites: make(map[string]*step.Registry),
	}
}

// Register adds a suite under its registry name, replacing any suite with
// the same name.
func (r *Registry) Register(s *step.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suites[s.Name()] = s
}

// Resolve returns the suite with the given name.
func (r *Registry) Resolve(name string) (*step.Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.suites[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSuite, name)
	}
	return s, nil
}

// Names returns the registered suite names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.suites))
	for name := range r.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes all registered suites, sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.suites))
	for name, s := range r.suites {
		infos = append(infos, Info{
			Name:          name,
			Steps:         s.Infos(),
			TotalProgress: s.TotalProgress(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
