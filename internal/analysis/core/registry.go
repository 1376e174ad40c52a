package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownPlugin   = errors.New("unknown plugin")
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrDependencyCycle = errors.New("plugin dependency cycle")
)

// Registry maps plugin names to instances and resolves run order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds plugins in the given order. Registration order breaks ties
// when ordering independent plugins.
func (r *Registry) Register(plugins ...Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range plugins {
		if _, exists := r.plugins[p.Name()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
		}
		r.plugins[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return nil
}

// Get returns a registered plugin.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names lists registered plugins in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Configure applies per-plugin option values, keyed by plugin name.
func (r *Registry) Configure(options map[string]map[string]string) error {
	for name, values := range options {
		p, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		if err := p.SetOptions(values); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
	}
	return nil
}

// Order resolves the requested plugins and, transitively, their dependencies
// into a run order where every plugin follows its dependencies. Independent
// plugins keep registration order. A nil or empty names selects every
// registered plugin.
func (r *Registry) Order(names []string) ([]Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = r.order
	}

	wanted := make(map[string]bool)
	var collect func(name string, from string) error
	collect = func(name, from string) error {
		if wanted[name] {
			return nil
		}
		p, ok := r.plugins[name]
		if !ok {
			if from != "" {
				return fmt.Errorf("%w: %s (required by %s)", ErrUnknownPlugin, name, from)
			}
			return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
		}
		wanted[name] = true
		for _, dep := range p.Dependencies() {
			if err := collect(dep, name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := collect(strings.TrimSpace(name), ""); err != nil {
			return nil, err
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(wanted))
	ordered := make([]Plugin, 0, len(wanted))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, strings.Join(path, " -> "), name)
		}
		state[name] = visiting
		path = append(path, name)
		p := r.plugins[name]
		for _, dep := range p.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		ordered = append(ordered, p)
		return nil
	}
	for _, name := range r.order {
		if !wanted[name] {
			continue
		}
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
