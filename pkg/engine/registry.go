package engine

import (
	"fmt"
	"sync"
)

// Registry holds component definitions in declaration order.
// Components are registered once at process start and immutable thereafter.
type Registry struct {
	mu sync.RWMutex

	// components maps component ids to their definitions
	components map[string]Component

	// order is the declaration order of component ids
	order []string
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Component),
		order:      make([]string, 0),
	}
}

// Register adds a single component. Its dependencies must already be registered.
func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := validateComponent(c); err != nil {
		return err
	}
	if _, exists := r.components[c.ID]; exists {
		return NewDuplicateComponentError(c.ID)
	}
	for _, dep := range c.DependsOn {
		if dep == c.ID {
			return NewDependencyCycleError([]string{c.ID, c.ID})
		}
		if _, exists := r.components[dep]; !exists {
			return NewInvalidDependencyError(c.ID, dep)
		}
	}

	r.add(c)
	return nil
}

// RegisterAll adds a batch of components whose dependencies may refer to each
// other in any order. The batch is validated as a whole, including cycle
// detection, and nothing is registered when validation fails.
func (r *Registry) RegisterAll(components []Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]bool, len(components))
	for _, c := range components {
		if err := validateComponent(c); err != nil {
			return err
		}
		if _, exists := r.components[c.ID]; exists || batch[c.ID] {
			return NewDuplicateComponentError(c.ID)
		}
		batch[c.ID] = true
	}
	for _, c := range components {
		for _, dep := range c.DependsOn {
			if _, exists := r.components[dep]; !exists && !batch[dep] {
				return NewInvalidDependencyError(c.ID, dep)
			}
		}
	}

	g := r.graphWith(components)
	if cycle := g.findCycle(); cycle != nil {
		return NewDependencyCycleError(cycle)
	}

	for _, c := range components {
		r.add(c)
	}
	return nil
}

// add stores a copy of c. Callers hold the write lock.
func (r *Registry) add(c Component) {
	c.DependsOn = append([]string(nil), c.DependsOn...)
	c.Phases = append([]Phase(nil), c.Phases...)
	c.Tags = append([]string(nil), c.Tags...)
	r.components[c.ID] = c
	r.order = append(r.order, c.ID)
}

func validateComponent(c Component) error {
	if c.ID == "" {
		return NewConfigurationError("component has empty id", nil)
	}
	for _, p := range c.Phases {
		if err := p.Validate(); err != nil {
			return NewConfigurationError(fmt.Sprintf("component %s declares an invalid phase", c.ID), err).
				WithComponent(c.ID)
		}
	}
	return nil
}

// Get returns the component with id.
func (r *Registry) Get(id string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[id]
	return c, ok
}

// Components returns all components in declaration order.
func (r *Registry) Components() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Component, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.components[id])
	}
	return out
}

// IDs returns all component ids in declaration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered components.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Validate checks the registered graph for cycles.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cycle := r.graphWith(nil).findCycle(); cycle != nil {
		return NewDependencyCycleError(cycle)
	}
	return nil
}

// Plan returns the execution plan for targets.
//
// In PlanModeTransitive (the default) the plan contains the targets and all
// their transitive dependencies; in PlanModeExact only the targets. The order
// is a depth-first post-order seeded in declaration order, so independent
// components keep their registration order and repeated calls return the
// same plan.
func (r *Registry) Plan(targets []string, mode PlanMode) (*ExecutionPlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mode == "" {
		mode = PlanModeTransitive
	}
	if mode != PlanModeTransitive && mode != PlanModeExact {
		return nil, NewConfigurationError(fmt.Sprintf("invalid plan mode: %s", mode), nil)
	}
	if len(targets) == 0 {
		return nil, NewConfigurationError("no deployment targets requested", nil)
	}

	g := r.graphWith(nil)
	if cycle := g.findCycle(); cycle != nil {
		return nil, NewDependencyCycleError(cycle)
	}

	selected := make(map[string]bool, len(targets))
	for _, id := range targets {
		if _, ok := r.components[id]; !ok {
			return nil, NewUnknownTargetError(id)
		}
		selected[id] = true
	}
	if mode == PlanModeTransitive {
		for _, id := range targets {
			g.collectDependencies(id, selected)
		}
	}

	ordered := g.postOrder(selected)
	components := make([]Component, 0, len(ordered))
	for _, id := range ordered {
		components = append(components, r.components[id])
	}

	return newExecutionPlan(append([]string(nil), targets...), mode, components, g), nil
}

// graphWith builds the dependency graph of the registered components plus
// extra. Callers hold the lock.
func (r *Registry) graphWith(extra []Component) *dependencyGraph {
	g := newDependencyGraph()
	for _, id := range r.order {
		g.addNode(id, r.components[id].DependsOn)
	}
	for _, c := range extra {
		g.addNode(c.ID, c.DependsOn)
	}
	return g
}
