package engine

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk layout of FILTER_PROFILES:
//
//	profiles:
//	  viral:
//	    min_views: 100000
//	    max_age_days: 7
//	  full:
//	    min_views: 1000
//	    max_age_days: 90
type profileFile struct {
	Profiles map[string]Thresholds `yaml:"profiles"`
}

// Profiles maps a profile name to its thresholds.
type Profiles map[string]Thresholds

// LoadProfiles reads a YAML profile file. Zero fields inherit from base.
func LoadProfiles(path string, base Thresholds) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	out := make(Profiles, len(pf.Profiles))
	for name, t := range pf.Profiles {
		out[name] = t.withDefaults(base)
	}
	return out, nil
}

// Select returns the named profile, or an error listing the available names.
func (p Profiles) Select(name string) (Thresholds, error) {
	if t, ok := p[name]; ok {
		return t, nil
	}
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return Thresholds{}, fmt.Errorf("profile %q not found (available: %v)", name, names)
}
