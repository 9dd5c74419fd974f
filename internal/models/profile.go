package models

import (
	"fmt"
	"sort"
	"strings"
)

// ProfileRegistry maps an application-profile name to the set of entity
// types relevant to that surface. Pull results are always filtered by the
// caller's profile.
type ProfileRegistry struct {
	profiles map[string]map[string]bool
}

func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]map[string]bool)}
}

// ParseProfileRegistry parses the compact configuration form
// "name:type1,type2;other:type3".
func ParseProfileRegistry(spec string) (*ProfileRegistry, error) {
	r := NewProfileRegistry()
	if strings.TrimSpace(spec) == "" {
		return r, nil
	}
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid profile definition %q", part)
		}
		var types []string
		for _, t := range strings.Split(list, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		if len(types) == 0 {
			return nil, fmt.Errorf("profile %q has no entity types", name)
		}
		r.Register(strings.TrimSpace(name), types...)
	}
	return r, nil
}

func (r *ProfileRegistry) Register(name string, entityTypes ...string) {
	set, ok := r.profiles[name]
	if !ok {
		set = make(map[string]bool)
		r.profiles[name] = set
	}
	for _, t := range entityTypes {
		set[t] = true
	}
}

// EntityTypes returns the sorted entity-type set for a profile, or false if
// the profile is unknown.
func (r *ProfileRegistry) EntityTypes(name string) ([]string, bool) {
	set, ok := r.profiles[name]
	if !ok {
		return nil, false
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, true
}

// Includes reports whether the profile covers the given entity type.
func (r *ProfileRegistry) Includes(name, entityType string) bool {
	return r.profiles[name][entityType]
}
