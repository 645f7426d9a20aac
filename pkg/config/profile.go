package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the startup YAML describing connectors and capabilities.
type Profile struct {
	Connectors   []ConnectorProfile  `yaml:"connectors"`
	Capabilities []CapabilityProfile `yaml:"capabilities"`
}

// ConnectorProfile tunes one connector's guard.
type ConnectorProfile struct {
	ID                string `yaml:"id"`
	ReadOnly          bool   `yaml:"read_only"`
	CallTimeoutMs     int    `yaml:"call_timeout_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	BreakerThreshold  int    `yaml:"breaker_threshold"`
	BreakerCooldownMs int    `yaml:"breaker_cooldown_ms"`
}

// CapabilityProfile declares per-capability policy knobs.
type CapabilityProfile struct {
	ID                  string `yaml:"id"`
	RequiredScope       string `yaml:"required_scope"`
	SelfApprovalAllowed bool   `yaml:"self_approval_allowed"`
}

// LoadProfile parses the YAML profile at path. A missing path returns an
// empty profile so deployments without one run on built-in defaults.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	for i, c := range p.Connectors {
		if c.ID == "" {
			return nil, fmt.Errorf("profile connector %d: id required", i)
		}
	}
	for i, c := range p.Capabilities {
		if c.ID == "" {
			return nil, fmt.Errorf("profile capability %d: id required", i)
		}
	}
	return &p, nil
}

// Capability returns the profile entry for a capability ID.
func (p *Profile) Capability(id string) (CapabilityProfile, bool) {
	for _, c := range p.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return CapabilityProfile{}, false
}
