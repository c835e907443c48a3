package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"sdline/internal/domain"
)

// Config models sdline.yml.
type Config struct {
	Version        int                                 `yaml:"version"`
	Phases         []PhaseRequirements                 `yaml:"phases"`
	Profiles       map[string]domain.ValidationProfile `yaml:"profiles"`
	DefaultProfile domain.ValidationProfile            `yaml:"default_profile"`
	Approval       struct {
		DeadlineHours int    `yaml:"deadline_hours"`
		RequestedBy   string `yaml:"requested_by"`
	} `yaml:"approval"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// PhaseRequirements is one row of the phase to requirement table.
type PhaseRequirements struct {
	Name    domain.Phase `yaml:"name"`
	Require []string     `yaml:"require"`
}

type PipelineConfig struct {
	ApprovalRateWarn float64 `yaml:"approval_rate_warn"`
	SpikeThreshold   int     `yaml:"spike_threshold"`
	DailyTokenBudget int     `yaml:"daily_token_budget"`
	OverlapThreshold float64 `yaml:"overlap_threshold"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sdl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	canonical := domain.Phases()
	if len(c.Phases) != len(canonical) {
		return fmt.Errorf("config.phases must list exactly %d phases, got %d", len(canonical), len(c.Phases))
	}
	for i, p := range c.Phases {
		if p.Name != canonical[i] {
			return fmt.Errorf("config.phases[%d] must be %s, got %q", i, canonical[i], p.Name)
		}
		if len(p.Require) == 0 {
			return fmt.Errorf("phase %s has no requirements", p.Name)
		}
		seen := map[string]bool{}
		for _, req := range p.Require {
			if req == "" {
				return fmt.Errorf("phase %s has empty requirement name", p.Name)
			}
			if seen[req] {
				return fmt.Errorf("phase %s lists requirement %s twice", p.Name, req)
			}
			seen[req] = true
		}
	}
	if err := validateProfile("default_profile", c.DefaultProfile); err != nil {
		return err
	}
	if c.DefaultProfile.ExpectedDurationHours <= 0 {
		return fmt.Errorf("default_profile.expected_duration_hours must be positive")
	}
	for name, p := range c.Profiles {
		if name == "" {
			return fmt.Errorf("config.profiles contains empty sd type")
		}
		if err := validateProfile("profile "+name, p); err != nil {
			return err
		}
	}
	if c.Approval.DeadlineHours <= 0 {
		return fmt.Errorf("config.approval.deadline_hours must be positive")
	}
	if c.Pipeline.ApprovalRateWarn <= 0 || c.Pipeline.ApprovalRateWarn > 1 {
		return fmt.Errorf("config.pipeline.approval_rate_warn must be in (0,1]")
	}
	if c.Pipeline.SpikeThreshold < 1 {
		return fmt.Errorf("config.pipeline.spike_threshold must be at least 1")
	}
	if c.Pipeline.DailyTokenBudget < 0 {
		return fmt.Errorf("config.pipeline.daily_token_budget must not be negative")
	}
	if c.Pipeline.OverlapThreshold <= 0 || c.Pipeline.OverlapThreshold > 1 {
		return fmt.Errorf("config.pipeline.overlap_threshold must be in (0,1]")
	}
	return nil
}

func validateProfile(label string, p domain.ValidationProfile) error {
	for _, h := range p.RequiredHandoffs {
		if h == "" {
			return fmt.Errorf("%s has empty handoff type", label)
		}
	}
	if p.MinHandoffs < 0 {
		return fmt.Errorf("%s has negative min_handoffs", label)
	}
	if p.ExpectedDurationHours < 0 {
		return fmt.Errorf("%s has negative expected_duration_hours", label)
	}
	for phase, w := range p.PhaseWeights {
		if _, err := domain.ParsePhase(phase); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if w < 0 {
			return fmt.Errorf("%s has negative weight for %s", label, phase)
		}
	}
	return nil
}

// Requirements returns the ordered requirement list for a phase.
func (c *Config) Requirements(p domain.Phase) []string {
	for _, row := range c.Phases {
		if row.Name == p {
			out := make([]string, len(row.Require))
			copy(out, row.Require)
			return out
		}
	}
	return nil
}

// Profile returns the configured profile for an SD type.
func (c *Config) Profile(sdType string) (domain.ValidationProfile, bool) {
	p, ok := c.Profiles[sdType]
	if !ok {
		return domain.ValidationProfile{}, false
	}
	p.SDType = sdType
	return p, true
}

// ProfileList returns configured profiles sorted by SD type.
func (c *Config) ProfileList() []domain.ValidationProfile {
	out := make([]domain.ValidationProfile, 0, len(c.Profiles))
	for name := range c.Profiles {
		p, _ := c.Profile(name)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SDType < out[j].SDType })
	return out
}

// ExpectedDuration resolves the expected duration for a profile, falling
// back to the default profile.
func (c *Config) ExpectedDuration(p domain.ValidationProfile) time.Duration {
	hours := p.ExpectedDurationHours
	if hours <= 0 {
		hours = c.DefaultProfile.ExpectedDurationHours
	}
	return time.Duration(hours * float64(time.Hour))
}

// ApprovalDeadline returns the window given to human approvers.
func (c *Config) ApprovalDeadline() time.Duration {
	return time.Duration(c.Approval.DeadlineHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sdline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `version: 1

phases:
  - name: LEAD
    require: [sd_exists, objectives_defined, priority_set]
  - name: PLAN
    require: [lead_to_plan_accepted, prd_exists, acceptance_criteria_defined]
  - name: EXEC
    require: [plan_to_exec_accepted, prd_exists, screenshots_captured]
  - name: VERIFICATION
    require: [exec_to_plan_accepted, tests_passed_marker, sub_agent_review]
  - name: APPROVAL
    require: [verification_completed, plan_to_lead_accepted]

default_profile:
  required_handoffs: [LEAD-TO-PLAN, PLAN-TO-EXEC, EXEC-TO-PLAN, PLAN-TO-LEAD]
  min_handoffs: 4
  expected_duration_hours: 48
  phase_weights: {LEAD: 20, PLAN: 20, EXEC: 30, VERIFICATION: 15, APPROVAL: 15}

profiles:
  feature:
    required_handoffs: [LEAD-TO-PLAN, PLAN-TO-EXEC, EXEC-TO-PLAN, PLAN-TO-LEAD]
    min_handoffs: 4
    expected_duration_hours: 72
  bugfix:
    required_handoffs: [LEAD-TO-PLAN, PLAN-TO-EXEC, EXEC-TO-PLAN]
    min_handoffs: 3
    expected_duration_hours: 24
  infrastructure:
    required_handoffs: [LEAD-TO-PLAN, PLAN-TO-EXEC, EXEC-TO-PLAN, PLAN-TO-LEAD]
    min_handoffs: 4
    expected_duration_hours: 96
  documentation:
    required_handoffs: [LEAD-TO-PLAN, PLAN-TO-LEAD]
    min_handoffs: 2
    expected_duration_hours: 16
  orchestrator:
    required_handoffs: [LEAD-TO-PLAN, PLAN-TO-LEAD]
    min_handoffs: 2
    expected_duration_hours: 168

approval:
  deadline_hours: 72
  requested_by: sdline

pipeline:
  approval_rate_warn: 0.6
  spike_threshold: 3
  daily_token_budget: 200000
  overlap_threshold: 0.6
`
