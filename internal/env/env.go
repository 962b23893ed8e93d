// Package env composes the environment plugin processes are started with.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers daemon-wide variables over an optional copy of the daemon's
// own environment. Per-site variables are applied last by Merge.
type Env struct {
	base Var
	vars Var
}

// New returns an empty Env. With inheritOS the daemon's environment is the
// bottom layer.
func New(inheritOS bool) *Env {
	e := &Env{base: make(Var), vars: make(Var)}
	if inheritOS {
		e.base = parsePairs(os.Environ())
	}
	return e
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetPairs applies "K=V" entries. Entries without '=' or with an empty key
// are ignored.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range parsePairs(pairs) {
		e.vars[k] = v
	}
}

// LoadFile applies a .env file: KEY=VALUE lines, '#' comments and blank
// lines ignored, no quoting.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			e.vars[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return nil
}

// Merge returns the sorted "K=V" list for one site. ${VAR} references are
// expanded once against the composed map.
func (e *Env) Merge(perSite []string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perSite))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parsePairs(perSite) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parsePairs(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
