package tagprofile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultExtractKeys is the set of tag keys retained when writing the
// way-tag cache.
var DefaultExtractKeys = []string{
	"highway", "name", "ref", "surface", "maxspeed", "oneway", "bicycle",
	"foot", "lanes", "cycleway", "sidewalk", "lit", "access",
}

// OutputKeys is the set of base-way tag keys copied onto derived segment
// ways, in emission order. Unlike the extract whitelist it is not
// configurable: derived PBF consumers depend on it.
var OutputKeys = []string{
	"highway", "name", "ref", "surface", "maxspeed", "oneway", "bicycle", "foot",
}

// Profile controls which way tags survive extraction.
type Profile struct {
	keys map[string]struct{}
}

type profileFile struct {
	ExtractKeys []string `yaml:"extract_keys"`
}

// Default returns the profile with the standard extract whitelist.
func Default() *Profile {
	return fromKeys(DefaultExtractKeys)
}

// Load reads a profile override from a YAML file of the form
//
//	extract_keys: [highway, name, ...]
//
// An empty key list is rejected; an all-discarding profile is never useful.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag profile: %w", err)
	}

	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse tag profile YAML: %w", err)
	}
	if len(pf.ExtractKeys) == 0 {
		return nil, fmt.Errorf("tag profile %s defines no extract_keys", path)
	}

	return fromKeys(pf.ExtractKeys), nil
}

func fromKeys(keys []string) *Profile {
	p := &Profile{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		p.keys[k] = struct{}{}
	}
	return p
}

// Retains reports whether a tag key survives extraction.
func (p *Profile) Retains(key string) bool {
	_, ok := p.keys[key]
	return ok
}

// Filter returns the subset of tags whose keys the profile retains.
func (p *Profile) Filter(tags map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range tags {
		if p.Retains(k) {
			out[k] = v
		}
	}
	return out
}
