package config

import (
	alarms "pointcalc/internal/alarms/domain"
	vp "pointcalc/internal/virtualpoints/domain"
)

// Definitions is the file form of the engine configuration: known data
// points, virtual points and alarm rules.
type Definitions struct {
	DataPoints    []vp.DataPoint     `yaml:"data_points"`
	VirtualPoints []vp.VirtualPoint  `yaml:"virtual_points"`
	AlarmRules    []alarms.AlarmRule `yaml:"alarm_rules"`
}

// LoadDefinitions reads a definitions file. Entity-level validation is left
// to the engine so one bad entity never rejects the file.
func LoadDefinitions(path string) (Definitions, error) {
	var defs Definitions
	if err := readYAML(path, &defs); err != nil {
		return Definitions{}, err
	}
	return defs, nil
}
