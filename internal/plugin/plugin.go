// Package plugin maps a site's plugin name to the executables that
// initialize and update it. Plugins are registered statically at startup.
package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fpemud/mycdn-controller-sub000/internal/site"
)

var (
	ErrUnknownPlugin   = errors.New("unknown plugin")
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// Executables are the absolute paths of a site's two plugin programs.
type Executables struct {
	Initializer string
	Updater     string
}

type Plugin interface {
	Name() string
	Executables(s site.MirrorSite) (Executables, error)
}

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

func (r *Registry) Lookup(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return p, nil
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve looks up the site's plugin and returns its executables.
func (r *Registry) Resolve(s site.MirrorSite) (Executables, error) {
	p, err := r.Lookup(s.Plugin)
	if err != nil {
		return Executables{}, fmt.Errorf("site %q: %w", s.ID, err)
	}
	exe, err := p.Executables(s)
	if err != nil {
		return Executables{}, fmt.Errorf("site %q: plugin %s: %w", s.ID, p.Name(), err)
	}
	return exe, nil
}

// Exec takes the executable paths straight from the site definition.
type Exec struct{}

func (Exec) Name() string { return "exec" }

func (Exec) Executables(s site.MirrorSite) (Executables, error) {
	if !filepath.IsAbs(s.Initializer) || !filepath.IsAbs(s.Updater) {
		return Executables{}, errors.New("initializer and updater must be absolute paths")
	}
	return Executables{Initializer: s.Initializer, Updater: s.Updater}, nil
}

// Dir is a plugin installed as a directory holding programs named
// "initializer" and "updater".
type Dir struct {
	PluginName string
	Path       string
}

func (d Dir) Name() string { return d.PluginName }

func (d Dir) Executables(site.MirrorSite) (Executables, error) {
	if !filepath.IsAbs(d.Path) {
		return Executables{}, fmt.Errorf("plugin dir %q must be absolute", d.Path)
	}
	return Executables{
		Initializer: filepath.Join(d.Path, "initializer"),
		Updater:     filepath.Join(d.Path, "updater"),
	}, nil
}

// Check reports executables that are missing or lack an execute bit. It is a
// diagnostic only; a missing program surfaces at runtime as a spawn failure.
func Check(exe Executables) []error {
	var errs []error
	for _, p := range []string{exe.Initializer, exe.Updater} {
		fi, err := os.Stat(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
			errs = append(errs, fmt.Errorf("%s is not executable", p))
		}
	}
	return errs
}
