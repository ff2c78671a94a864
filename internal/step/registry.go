package step

import (
	"context"
	"strings"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

// Func is the body of a step. A non-nil error fails the step and stops the
// session.
type Func func(ctx context.Context, sc *Context) error

// Step pairs a body with its metadata.
type Step struct {
	Name string
	Run  Func
	Meta Metadata
}

// Label returns the operator-facing label, falling back to the step name.
func (s Step) Label() string {
	if s.Meta.Label != "" {
		return s.Meta.Label
	}
	return s.Name
}

// ShortLabel returns the first line of the label.
func (s Step) ShortLabel() string {
	l, _, _ := strings.Cut(s.Label(), "\n")
	return l
}

// CleanupFunc releases what a suite holds for a device once its session
// has ended.
type CleanupFunc func(dev *model.Device)

// Info is the serializable description of a step.
type Info struct {
	Name string `json:"name"`
	Metadata
}

// Registry is an ordered list of steps. Insertion order is execution order.
// Sessions copy the list when they are created, so a registry may be shared
// by any number of sessions.
type Registry struct {
	name    string
	steps   []Step
	cleanup CleanupFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(name string) *Registry {
	return &Registry{name: name}
}

// Name returns the registry name.
func (r *Registry) Name() string {
	return r.name
}

// Add appends a step and returns the registry for chaining.
func (r *Registry) Add(name string, fn Func, opts ...Option) *Registry {
	var m Metadata
	for _, opt := range opts {
		opt(&m)
	}
	r.steps = append(r.steps, Step{Name: name, Run: fn, Meta: m})
	return r
}

// OnFinish sets the function every session runs after its last step,
// whether it passed, failed or was aborted.
func (r *Registry) OnFinish(fn CleanupFunc) *Registry {
	r.cleanup = fn
	return r
}

// Cleanup returns the function set by OnFinish, or nil.
func (r *Registry) Cleanup() CleanupFunc {
	return r.cleanup
}

// Steps returns a copy of the registered steps in execution order.
func (r *Registry) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Len returns the number of steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

// TotalProgress is the sum of all progress estimates. It is exposed for
// normalizing overall progress in a UI.
func (r *Registry) TotalProgress() time.Duration {
	return TotalProgress(r.steps)
}

// Infos describes the registered steps.
func (r *Registry) Infos() []Info {
	out := make([]Info, len(r.steps))
	for i, s := range r.steps {
		out[i] = Info{Name: s.Name, Metadata: s.Meta}
	}
	return out
}

// TotalProgress sums the progress estimates of steps.
func TotalProgress(steps []Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.Meta.Progress
	}
	return total
}
