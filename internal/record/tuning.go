package record

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TuningGuide is a boat-class rig tuning reference, distributed as YAML and
// cached locally so it stays readable afloat.
type TuningGuide struct {
	BoatClass string        `yaml:"boat_class" json:"boat_class"`
	Venue     string        `yaml:"venue,omitempty" json:"venue,omitempty"`
	Source    string        `yaml:"source,omitempty" json:"source,omitempty"`
	Rows      []TuningEntry `yaml:"rows" json:"rows"`
}

// TuningEntry is one wind-band row of a tuning guide.
type TuningEntry struct {
	WindMinKts float64           `yaml:"wind_min_kts" json:"wind_min_kts"`
	WindMaxKts float64           `yaml:"wind_max_kts" json:"wind_max_kts"`
	Settings   map[string]string `yaml:"settings" json:"settings"`
	Notes      string            `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// ParseTuningGuide parses a YAML tuning guide document.
func ParseTuningGuide(data []byte) (*TuningGuide, error) {
	var g TuningGuide
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse tuning guide: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning guide: %w", err)
	}
	return &g, nil
}

// Validate checks the guide fields.
func (g *TuningGuide) Validate() error {
	if g.BoatClass == "" {
		return fmt.Errorf("boat_class is required")
	}
	if len(g.Rows) == 0 {
		return fmt.Errorf("at least one row is required")
	}
	for i, row := range g.Rows {
		if row.WindMaxKts < row.WindMinKts {
			return fmt.Errorf("row %d: wind_max_kts below wind_min_kts", i)
		}
	}
	return nil
}

// RowFor returns the tuning row covering the given wind speed, or nil when
// no row matches.
func (g *TuningGuide) RowFor(windKts float64) *TuningEntry {
	for i := range g.Rows {
		if windKts >= g.Rows[i].WindMinKts && windKts <= g.Rows[i].WindMaxKts {
			return &g.Rows[i]
		}
	}
	return nil
}
