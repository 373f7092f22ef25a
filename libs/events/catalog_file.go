package events

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Events []Definition `yaml:"events"`
}

// LoadCatalogFile overlays the declarations in a YAML file onto c. New types are
// added; a type already present must be redeclared with the same lane and tier.
//
//	events:
//	  - type: workspace.invoice.issued.v1
//	    lane: CRITICAL_LANE
//	    tier: REVIEW_REQUIRED
func LoadCatalogFile(c *Catalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", path, err)
	}
	return LoadCatalogYAML(c, data)
}

func LoadCatalogYAML(c *Catalog, data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	for _, d := range f.Events {
		if err := c.Register(d); err != nil {
			return err
		}
	}
	return nil
}
