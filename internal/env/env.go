package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to the analysis worker.
// Order of precedence, lowest first: base (OS environment unless Isolated),
// global Vars, then the per-launch overrides passed to Merge.
type Env struct {
	Vars     map[string]string
	Isolated bool // do not inherit the daemon's environment

	base map[string]string
}

func New() *Env { return &Env{Vars: make(map[string]string)} }

// FromOS snapshots the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = parse(os.Environ())
	return e
}

// Set records a global KEY=VALUE.
func (e *Env) Set(k, v string) *Env {
	if k == "" {
		return e
	}
	if e.Vars == nil {
		e.Vars = make(map[string]string)
	}
	e.Vars[k] = v
	return e
}

// Merge returns the composed environment as sorted KEY=VALUE pairs.
// Values may reference other keys as ${KEY}; references are resolved one
// level deep against the composed map, unknown keys expand to "".
func (e *Env) Merge(overrides []string) []string {
	m := make(map[string]string)
	if !e.Isolated {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(overrides) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
