package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the worker and the dev server.
type Env struct {
	Var Var // project variables from ao.config.yml (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromMap returns an Env seeded with project variables.
func FromMap(m map[string]string) *Env {
	e := New()
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// Set sets a project variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	if k == "" {
		return
	}
	e.Var[k] = v
}

// Unset removes a project variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// OS env, then project variables, then extra (slice of "K=V").
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${VAR} references found in m; unknown references and
// bare $VAR forms are left untouched.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
