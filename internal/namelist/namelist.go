// Package namelist holds the grouped runtime parameters handed to the
// external model. A Set keeps groups and keys in insertion order, which is
// also the order they are written to input.nml.
package namelist

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrUnsupportedValue is returned by Serialize when a value cannot be
	// represented in a namelist (maps, nested slices, structs, ...).
	ErrUnsupportedValue = errors.New("unsupported value type")
	// ErrFrozen is returned when mutating a Set after Freeze.
	ErrFrozen = errors.New("parameter set is frozen")
	// ErrEmptyName is returned for an empty group or key name.
	ErrEmptyName = errors.New("empty name")
)

// ConfigError reports a bad group/key/value.
type ConfigError struct {
	Group string
	Key   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("namelist %s: %v", e.Group, e.Err)
	}
	return fmt.Sprintf("namelist %s.%s: %v", e.Group, e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Entry is a single key/value pair within a group.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Group is a named parameter group in serialized form.
type Group struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

type group struct {
	keys   []string
	values map[string]any
}

// Set maps group name to an ordered key/value mapping.
type Set struct {
	order  []string
	groups map[string]*group
	frozen bool
}

// New returns an empty Set.
func New() *Set {
	return &Set{groups: make(map[string]*group)}
}

// Set inserts or overwrites group.key. The group is created if absent.
// Values are stored as given; no coercion takes place.
func (s *Set) Set(groupName, key string, value any) error {
	if s.frozen {
		return &ConfigError{Group: groupName, Key: key, Err: ErrFrozen}
	}
	groupName = strings.TrimSpace(groupName)
	key = strings.TrimSpace(key)
	if groupName == "" || key == "" {
		return &ConfigError{Group: groupName, Key: key, Err: ErrEmptyName}
	}

	g, ok := s.groups[groupName]
	if !ok {
		g = &group{values: make(map[string]any)}
		s.groups[groupName] = g
		s.order = append(s.order, groupName)
	}
	if _, exists := g.values[key]; !exists {
		g.keys = append(g.keys, key)
	}
	g.values[key] = value
	return nil
}

// Get returns the value stored at group.key.
func (s *Set) Get(groupName, key string) (any, bool) {
	g, ok := s.groups[strings.TrimSpace(groupName)]
	if !ok {
		return nil, false
	}
	v, ok := g.values[strings.TrimSpace(key)]
	return v, ok
}

// Groups returns the group names in insertion order.
func (s *Set) Groups() []string {
	return slices.Clone(s.order)
}

// Keys returns the keys of a group in insertion order.
func (s *Set) Keys(groupName string) []string {
	g, ok := s.groups[strings.TrimSpace(groupName)]
	if !ok {
		return nil
	}
	return slices.Clone(g.keys)
}

// Len returns the number of groups.
func (s *Set) Len() int { return len(s.order) }

// Freeze makes the set read-only. It returns s for chaining.
func (s *Set) Freeze() *Set {
	s.frozen = true
	return s
}

// Frozen reports whether Freeze has been called.
func (s *Set) Frozen() bool { return s.frozen }

// Clone returns an unfrozen deep copy.
func (s *Set) Clone() *Set {
	c := New()
	for _, name := range s.order {
		g := s.groups[name]
		cg := &group{
			keys:   slices.Clone(g.keys),
			values: make(map[string]any, len(g.values)),
		}
		for k, v := range g.values {
			cg.values[k] = cloneValue(v)
		}
		c.groups[name] = cg
		c.order = append(c.order, name)
	}
	return c
}

// Merge returns a new set equal to template with every group.key present in
// overrides replaced. Groups and keys only present in overrides are appended
// after the template's. Neither argument is modified.
func Merge(template, overrides *Set) *Set {
	merged := template.Clone()
	if overrides == nil {
		return merged
	}
	for _, name := range overrides.order {
		og := overrides.groups[name]
		for _, key := range og.keys {
			// merged is fresh and unfrozen, names were validated on insert
			_ = merged.Set(name, key, cloneValue(og.values[key]))
		}
	}
	return merged
}

// Serialize returns the groups in insertion order. It fails with a
// *ConfigError wrapping ErrUnsupportedValue if any value cannot be written.
func (s *Set) Serialize() ([]Group, error) {
	out := make([]Group, 0, len(s.order))
	for _, name := range s.order {
		g := s.groups[name]
		sg := Group{Name: name, Entries: make([]Entry, 0, len(g.keys))}
		for _, key := range g.keys {
			v := g.values[key]
			if err := checkValue(v); err != nil {
				return nil, &ConfigError{Group: name, Key: key, Err: err}
			}
			sg.Entries = append(sg.Entries, Entry{Key: key, Value: cloneValue(v)})
		}
		out = append(out, sg)
	}
	return out, nil
}

// FromGroups rebuilds an unfrozen set from serialized groups.
func FromGroups(groups []Group) (*Set, error) {
	s := New()
	for _, g := range groups {
		for _, e := range g.Entries {
			if err := checkValue(e.Value); err != nil {
				return nil, &ConfigError{Group: g.Name, Key: e.Key, Err: err}
			}
			if err := s.Set(g.Name, e.Key, cloneValue(e.Value)); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func checkValue(v any) error {
	switch v.(type) {
	case int, int32, int64, float32, float64, bool, string:
		return nil
	case []int, []int64, []float64:
		return nil
	case nil:
		return fmt.Errorf("%w: nil", ErrUnsupportedValue)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []int:
		return slices.Clone(t)
	case []int64:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	default:
		return v
	}
}
