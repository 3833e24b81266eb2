package batch

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LayerSpec names one reference layer to score.
type LayerSpec struct {
	Source string `yaml:"source"`         // shapefile path or schema-qualified table
	Name   string `yaml:"name,omitempty"` // overrides the name derived from Source
	URL    string `yaml:"url,omitempty"`  // archive to fetch Source from
}

// Manifest describes a scoring batch.
type Manifest struct {
	Parcels string      `yaml:"parcels"`
	IDField string      `yaml:"id_field,omitempty"`
	Low     *float64    `yaml:"low,omitempty"`
	High    *float64    `yaml:"high,omitempty"`
	Layers  []LayerSpec `yaml:"layers"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "batch: parse manifest %s", path)
	}
	for i, l := range m.Layers {
		if strings.TrimSpace(l.Source) == "" {
			return nil, eris.Errorf("batch: manifest %s: layer %d has no source", path, i+1)
		}
	}
	return &m, nil
}

// ParseLayerList expands layer arguments into specs. Each value may hold
// several sources separated by ";", optionally quoted.
func ParseLayerList(values []string) []LayerSpec {
	var out []LayerSpec
	for _, v := range values {
		for _, part := range strings.Split(v, ";") {
			part = strings.Trim(strings.TrimSpace(part), `'"`)
			if part == "" {
				continue
			}
			out = append(out, LayerSpec{Source: part})
		}
	}
	return out
}
