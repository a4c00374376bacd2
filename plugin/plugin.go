// Package plugin hosts the registry of opaque callables agents can invoke.
// Plugins are platform-provided; users install them per-account, and an
// artifact can only call what its owner installed.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotInstalled is returned when the calling user has not installed
	// the plugin.
	ErrNotInstalled = errors.New("not_installed")

	// ErrUnknownPlugin is returned for plugin ids not in the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrUnknownOp is returned for operations a plugin does not provide.
	ErrUnknownOp = errors.New("unknown operation")
)

// Plugin is one installable callable.
type Plugin interface {
	// ID is the stable registry key.
	ID() string

	// Describe returns a short human-readable summary.
	Describe() string

	// Ops lists the operations this plugin answers.
	Ops() []string

	// Call executes one operation.
	Call(ctx context.Context, op string, args map[string]any) (any, error)
}

// Info describes a plugin for listings.
type Info struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Ops         []string `json:"ops"`
}

// Installs answers whether a user has a plugin installed. Implemented by
// the store.
type Installs interface {
	IsPluginInstalled(userID int64, pluginID string) (bool, error)
}

// Registry maps plugin ids to implementations. Registration happens at
// startup; lookups afterwards are read-only, so no locking.
type Registry struct {
	plugins  map[string]Plugin
	installs Installs
}

// NewRegistry builds a registry over an install table.
func NewRegistry(installs Installs) *Registry {
	return &Registry{
		plugins:  make(map[string]Plugin),
		installs: installs,
	}
}

// Register adds a plugin. Duplicate ids panic: that is a wiring bug.
func (r *Registry) Register(p Plugin) {
	if _, dup := r.plugins[p.ID()]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", p.ID()))
	}
	r.plugins[p.ID()] = p
}

// List returns every registered plugin, sorted by id.
func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, Info{ID: p.ID(), Description: p.Describe(), Ops: p.Ops()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Exists reports whether a plugin id is registered.
func (r *Registry) Exists(pluginID string) bool {
	_, ok := r.plugins[pluginID]
	return ok
}

// Call resolves and invokes a plugin operation on behalf of a user. The
// install check runs before the plugin sees the call.
func (r *Registry) Call(ctx context.Context, userID int64, pluginID, op string, args map[string]any) (any, error) {
	p, ok := r.plugins[pluginID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginID)
	}
	installed, err := r.installs.IsPluginInstalled(userID, pluginID)
	if err != nil {
		return nil, fmt.Errorf("install check: %w", err)
	}
	if !installed {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, pluginID)
	}
	return p.Call(ctx, op, args)
}
