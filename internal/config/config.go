package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models payline.yml, the per-organization payout tunables.
type Config struct {
	Organization struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"organization" json:"organization"`
	Payout struct {
		DefaultR float64 `yaml:"default_r" json:"default_r"`
		RBounds  struct {
			Min float64 `yaml:"min" json:"min"`
			Max float64 `yaml:"max" json:"max"`
		} `yaml:"r_bounds" json:"r_bounds"`
		QCBeta             float64 `yaml:"qc_beta" json:"qc_beta"`
		QCGamma            float64 `yaml:"qc_gamma" json:"qc_gamma"`
		PMX                float64 `yaml:"pm_x" json:"pm_x"`
		PMOverdraftPenalty float64 `yaml:"pm_overdraft_penalty" json:"pm_overdraft_penalty"`
	} `yaml:"payout" json:"payout"`
	Review struct {
		AIThreshold        float64 `yaml:"ai_threshold" json:"ai_threshold"`
		FallbackConfidence float64 `yaml:"fallback_confidence" json:"fallback_confidence"`
		MaxPasses          int     `yaml:"max_passes" json:"max_passes"`
	} `yaml:"review" json:"review"`
	Sales struct {
		DecayHalfLifeDays float64 `yaml:"decay_half_life_days" json:"decay_half_life_days"`
	} `yaml:"sales" json:"sales"`
	Confidence struct {
		URL            string `yaml:"url" json:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"confidence" json:"confidence"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Events []string `yaml:"events" json:"events,omitempty"`
	Secret string   `yaml:"secret" json:"-"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures tunables are inside the ranges the payout math requires.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	p := c.Payout
	if badFraction(p.DefaultR) {
		return fmt.Errorf("config.payout.default_r must be in [0,1]")
	}
	if badFraction(p.RBounds.Min) || badFraction(p.RBounds.Max) || p.RBounds.Min > p.RBounds.Max {
		return fmt.Errorf("config.payout.r_bounds must satisfy 0 <= min <= max <= 1")
	}
	if !(p.QCBeta > 0) || math.IsNaN(p.QCBeta) || math.IsInf(p.QCBeta, 0) {
		return fmt.Errorf("config.payout.qc_beta must be > 0")
	}
	if !(p.QCGamma > 0 && p.QCGamma < 1) {
		return fmt.Errorf("config.payout.qc_gamma must be in (0,1)")
	}
	if p.PMX < 0 || math.IsNaN(p.PMX) {
		return fmt.Errorf("config.payout.pm_x must be >= 0")
	}
	if p.PMOverdraftPenalty < 0 || math.IsNaN(p.PMOverdraftPenalty) {
		return fmt.Errorf("config.payout.pm_overdraft_penalty must be >= 0")
	}
	if badFraction(c.Review.AIThreshold) {
		return fmt.Errorf("config.review.ai_threshold must be in [0,1]")
	}
	if badFraction(c.Review.FallbackConfidence) {
		return fmt.Errorf("config.review.fallback_confidence must be in [0,1]")
	}
	if c.Review.MaxPasses < 0 {
		return fmt.Errorf("config.review.max_passes must be >= 0")
	}
	if c.Sales.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("config.sales.decay_half_life_days must be > 0")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func badFraction(v float64) bool {
	return math.IsNaN(v) || v < 0 || v > 1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "payline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Organization.ID = orgID
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

const defaultTemplate = `organization:
  id: %s
  name: Default Org

payout:
  # Salary mixer: fraction of compensation paid as fixed base salary.
  default_r: 0.7
  r_bounds:
    min: 0.0
    max: 1.0
  # QC marginal coefficients: d1 = qc_beta * p0 * V, d_k = d1 * qc_gamma^(k-1).
  qc_beta: 0.25
  qc_gamma: 0.4
  # PM profit share rate and overdraft penalty multiplier.
  pm_x: 0.5
  pm_overdraft_penalty: 1.5

review:
  # Below this AI confidence a human review pass is always required.
  ai_threshold: 0.75
  # Used when the confidence provider times out or errors.
  fallback_confidence: 0.8
  # 0 = unlimited rejection/resubmission cycles.
  max_passes: 0

sales:
  decay_half_life_days: 14

confidence:
  url: ""
  timeout_seconds: 5

webhooks: []
`
