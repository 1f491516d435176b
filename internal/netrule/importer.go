package netrule

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML document accepted by ImportFile.
//
//	global:
//	  - network: 0.0.0.0/0
//	    action: allow
//	owners:
//	  owner-1:
//	    - range: {lower: 10.0.0.1, upper: 10.0.0.9}
//	      action: deny
//	      precedence: 10
//	instances:
//	  inst-1:
//	    - network: 10.0.0.0/24
//	      action: deny
//	disallowed_hosts:
//	  - 203.0.113.7
type RuleFile struct {
	Global          []RuleEntry            `yaml:"global"`
	Owners          map[string][]RuleEntry `yaml:"owners"`
	Instances       map[string][]RuleEntry `yaml:"instances"`
	DisallowedHosts []string               `yaml:"disallowed_hosts"`
}

// RuleEntry is one rule in a RuleFile.
type RuleEntry struct {
	Network    string     `yaml:"network,omitempty"`
	Range      *RangeSpec `yaml:"range,omitempty"`
	Action     string     `yaml:"action"`
	Precedence *int       `yaml:"precedence,omitempty"`
}

// RangeSpec is an inclusive address range.
type RangeSpec struct {
	Lower string `yaml:"lower"`
	Upper string `yaml:"upper"`
}

func (e RuleEntry) params() (RuleParams, error) {
	action, err := ParseAction(e.Action)
	if err != nil {
		return RuleParams{}, err
	}
	p := RuleParams{Network: e.Network, Action: action, Precedence: e.Precedence}
	if e.Range != nil {
		p.RangeLower, p.RangeUpper = e.Range.Lower, e.Range.Upper
	}
	return p, nil
}

// ImportStats counts what an import created.
type ImportStats struct {
	Rules        int
	Hosts        int
	SkippedHosts int
}

// ImportFile reads a RuleFile from path and applies it. See Import.
func (r *Repository) ImportFile(path string) (ImportStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportStats{}, fmt.Errorf("read rules file: %w", err)
	}
	var doc RuleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ImportStats{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return r.Import(doc)
}

// Import adds every rule and host in doc. It is additive: existing rules are
// kept and hosts that are already disallowed are skipped. Import stops at the
// first invalid entry; entries before it stay applied.
func (r *Repository) Import(doc RuleFile) (ImportStats, error) {
	var stats ImportStats

	for i, e := range doc.Global {
		p, err := e.params()
		if err != nil {
			return stats, fmt.Errorf("global[%d]: %w", i, err)
		}
		if _, err := r.CreateGlobalRule(p); err != nil {
			return stats, fmt.Errorf("global[%d]: %w", i, err)
		}
		stats.Rules++
	}
	for owner, entries := range doc.Owners {
		for i, e := range entries {
			p, err := e.params()
			if err != nil {
				return stats, fmt.Errorf("owners[%s][%d]: %w", owner, i, err)
			}
			if _, err := r.CreateOwnerRule(owner, p); err != nil {
				return stats, fmt.Errorf("owners[%s][%d]: %w", owner, i, err)
			}
			stats.Rules++
		}
	}
	for instance, entries := range doc.Instances {
		for i, e := range entries {
			p, err := e.params()
			if err != nil {
				return stats, fmt.Errorf("instances[%s][%d]: %w", instance, i, err)
			}
			if _, err := r.CreateInstanceRule(instance, p); err != nil {
				return stats, fmt.Errorf("instances[%s][%d]: %w", instance, i, err)
			}
			stats.Rules++
		}
	}
	for i, host := range doc.DisallowedHosts {
		_, err := r.CreateDisallowedHost(host)
		switch {
		case errors.Is(err, ErrDuplicateHost):
			stats.SkippedHosts++
		case err != nil:
			return stats, fmt.Errorf("disallowed_hosts[%d]: %w", i, err)
		default:
			stats.Hosts++
		}
	}
	r.log.Info().Int("rules", stats.Rules).Int("hosts", stats.Hosts).
		Int("skipped_hosts", stats.SkippedHosts).Msg("network rules imported")
	return stats, nil
}
