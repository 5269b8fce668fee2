// Package scenario provides the static catalogs the ledger validates
// events against: the critical assets, attack surface, defensive
// measures, and technique set of an exercise. Catalogs are loaded once
// at run initialization from YAML files or taken from the built-in set.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Asset is a critical system defended during the exercise.
type Asset struct {
	// Type categorizes the asset (e.g. "industrial_control", "database").
	Type string `yaml:"type" json:"type"`

	// Criticality is low, medium, or high.
	Criticality string `yaml:"criticality" json:"criticality"`
}

// Technique is an attack technique agents may report using, identified
// by its MITRE ATT&CK ID.
type Technique struct {
	// Name is the human-readable technique name.
	Name string `yaml:"name" json:"name"`

	// Tactic is the ATT&CK tactic the technique belongs to.
	Tactic string `yaml:"tactic" json:"tactic"`
}

// Catalog is the full static definition of an exercise scenario.
type Catalog struct {
	// Name identifies the scenario (e.g. "soci_energy_grid").
	Name string `yaml:"name" json:"name"`

	// Description is a short operator-facing summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// CriticalAssets maps asset IDs to their definitions.
	CriticalAssets map[string]Asset `yaml:"critical_assets" json:"critical_assets"`

	// AttackSurface lists the entry points red agents may probe.
	AttackSurface []string `yaml:"attack_surface,omitempty" json:"attack_surface,omitempty"`

	// DefensiveMeasures lists the controls blue agents operate.
	DefensiveMeasures []string `yaml:"defensive_measures,omitempty" json:"defensive_measures,omitempty"`

	// Techniques maps ATT&CK technique IDs to their definitions.
	Techniques map[string]Technique `yaml:"techniques,omitempty" json:"techniques,omitempty"`
}

// HasAsset reports whether the asset ID is declared by the scenario.
func (c *Catalog) HasAsset(id string) bool {
	_, ok := c.CriticalAssets[id]
	return ok
}

// HasTechnique reports whether the technique ID is declared by the scenario.
func (c *Catalog) HasTechnique(id string) bool {
	_, ok := c.Techniques[id]
	return ok
}

// AssetIDs returns the declared asset IDs in sorted order.
func (c *Catalog) AssetIDs() []string {
	ids := make([]string, 0, len(c.CriticalAssets))
	for id := range c.CriticalAssets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that the catalog is usable: a name, at least one
// asset, and well-formed entries.
func (c *Catalog) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(c.CriticalAssets) == 0 {
		return fmt.Errorf("scenario %s declares no critical assets", c.Name)
	}
	for id, a := range c.CriticalAssets {
		if id == "" {
			return fmt.Errorf("scenario %s has an asset with an empty id", c.Name)
		}
		if a.Type == "" {
			return fmt.Errorf("asset %s is missing a type", id)
		}
		switch a.Criticality {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("asset %s has unknown criticality %q", id, a.Criticality)
		}
	}
	for id, tech := range c.Techniques {
		if id == "" || tech.Name == "" {
			return fmt.Errorf("scenario %s has an incomplete technique entry %q", c.Name, id)
		}
	}
	return nil
}

// Load reads and parses a scenario catalog from a YAML file. If path is
// a directory, scenario.yaml or scenario.yml inside it is used.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		yamlPath := filepath.Join(path, "scenario.yaml")
		if _, err := os.Stat(yamlPath); err == nil {
			configPath = yamlPath
		} else {
			ymlPath := filepath.Join(path, "scenario.yml")
			if _, err := os.Stat(ymlPath); err != nil {
				return nil, fmt.Errorf("no scenario.yaml or scenario.yml found in %s", path)
			}
			configPath = ymlPath
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}
