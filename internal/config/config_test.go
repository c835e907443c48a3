package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Len(t, cfg.Phases, 5)
	for i, p := range domain.Phases() {
		assert.Equal(t, p, cfg.Phases[i].Name)
		assert.NotEmpty(t, cfg.Requirements(p))
	}
	assert.Equal(t, 72*time.Hour, cfg.ApprovalDeadline())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing phase", func(c *Config) { c.Phases = c.Phases[:4] }, "exactly 5 phases"},
		{"out of order", func(c *Config) { c.Phases[0], c.Phases[1] = c.Phases[1], c.Phases[0] }, "must be LEAD"},
		{"empty requirements", func(c *Config) { c.Phases[2].Require = nil }, "no requirements"},
		{"duplicate requirement", func(c *Config) { c.Phases[0].Require = []string{"a", "a"} }, "twice"},
		{"bad deadline", func(c *Config) { c.Approval.DeadlineHours = 0 }, "deadline_hours"},
		{"bad rate", func(c *Config) { c.Pipeline.ApprovalRateWarn = 1.5 }, "approval_rate_warn"},
		{"bad weight phase", func(c *Config) { c.DefaultProfile.PhaseWeights = map[string]int{"QA": 1} }, "unknown phase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequirementsReturnsCopy(t *testing.T) {
	cfg := Default()
	reqs := cfg.Requirements(domain.PhaseLead)
	reqs[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Requirements(domain.PhaseLead)[0])
}

func TestProfileAndExpectedDuration(t *testing.T) {
	cfg := Default()
	p, ok := cfg.Profile("bugfix")
	require.True(t, ok)
	assert.Equal(t, "bugfix", p.SDType)
	assert.Equal(t, 24*time.Hour, cfg.ExpectedDuration(p))

	_, ok = cfg.Profile("unknown")
	assert.False(t, ok)
	assert.Equal(t, 48*time.Hour, cfg.ExpectedDuration(domain.ValidationProfile{}))

	list := cfg.ProfileList()
	require.NotEmpty(t, list)
	assert.Equal(t, "bugfix", list[0].SDType)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	custom := strings.Replace(GenerateDefault(), "deadline_hours: 72", "deadline_hours: 12", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sdline.yml"), []byte(custom), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.ApprovalDeadline())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sdl config init")
}
