// Package engine runs ingestion controllers. A controller fetches data for
// one job instance, checkpoints its progress through the Execution it is
// given and returns the final result. The engine tracks each run as an
// EngineJob that can be polled, waited on and canceled.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/teranos/ingestd/errors"
)

// Controller implements one kind of ingestion. Name is the value job
// definitions reference in their controller field.
//
// Run must return promptly once ctx is done or Execution.Canceled reports
// true, leaving its last checkpoint as the resume point.
type Controller interface {
	Name() string
	Run(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

type funcController struct {
	name string
	run  func(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

func (c *funcController) Name() string { return c.name }

func (c *funcController) Run(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return c.run(ctx, exec)
}

// Func adapts a function into a Controller
func Func(name string, run func(ctx context.Context, exec *Execution) (json.RawMessage, error)) Controller {
	return &funcController{name: name, run: run}
}

// Registry maps controller names to controllers. Controllers are registered
// explicitly at startup; lookups are safe for concurrent use.
type Registry struct {
	controllers map[string]Controller
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]Controller)}
}

// Register adds a controller under its name. Empty and duplicate names are rejected.
func (r *Registry) Register(c Controller) error {
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return errors.NewInvalidRequestError("controller name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controllers[name]; exists {
		return errors.NewInvalidRequestError("controller already registered for name: %s", name)
	}
	r.controllers[name] = c
	return nil
}

// MustRegister is Register for startup wiring; it panics on error
func (r *Registry) MustRegister(controllers ...Controller) {
	for _, c := range controllers {
		if err := r.Register(c); err != nil {
			panic(fmt.Sprintf("register controller: %v", err))
		}
	}
}

// Get returns the controller registered under name
func (r *Registry) Get(name string) (Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownController, "%q", name)
	}
	return c, nil
}

// Has checks if a controller is registered for a name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.controllers[name]
	return ok
}

// Names returns all registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
