package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/platform/env"
)

//go:embed pipelines.yaml
var defaultDefinitions []byte

// GateMode selects how a tier reacts to its scans.
type GateMode string

const (
	// GateBranch runs scans without aborting and routes on a branch decision.
	GateBranch GateMode = "branch"
	// GateDirect runs scans fail-on-nonzero and gates the failure path on
	// any failed scan.
	GateDirect GateMode = "direct"
)

type ModelClass struct {
	Class    string `yaml:"class"`
	Select   string `yaml:"select"`
	Optional bool   `yaml:"optional"`
}

type ScanConfig struct {
	Datasource string `yaml:"datasource"`
	Checks     string `yaml:"checks"`
}

type QuarantineConfig struct {
	Select string `yaml:"select"`
}

type AlertConfig struct {
	Title   string   `yaml:"title"`
	Details []string `yaml:"details"`
}

// TierConfig is the parameter set of the shared tier template.
type TierConfig struct {
	Name       domain.Tier      `yaml:"name"`
	Pipeline   string           `yaml:"pipeline"`
	Schedule   string           `yaml:"schedule"`
	Gate       GateMode         `yaml:"gate"`
	Models     []ModelClass     `yaml:"models"`
	Scans      []ScanConfig     `yaml:"scans"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Alert      AlertConfig      `yaml:"alert"`
}

type Definitions struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// LoadDefinitions reads the tier templates from path, or the embedded
// defaults when path is empty.
func LoadDefinitions(path string) (Definitions, error) {
	raw := defaultDefinitions
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Definitions{}, fmt.Errorf("read pipelines file: %w", err)
		}
		raw = data
	}
	return ParseDefinitions(raw)
}

// DefinitionsFromEnv honours DQFLOW_PIPELINES_FILE.
func DefinitionsFromEnv() (Definitions, error) {
	return LoadDefinitions(env.String("DQFLOW_PIPELINES_FILE", ""))
}

func ParseDefinitions(raw []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse pipelines: %w", err)
	}
	for i := range defs.Tiers {
		defs.Tiers[i].applyDefaults()
	}
	if err := defs.Validate(); err != nil {
		return Definitions{}, err
	}
	return defs, nil
}

func (d Definitions) Validate() error {
	if len(d.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	seen := make(map[domain.Tier]struct{}, len(d.Tiers))
	for i, tier := range d.Tiers {
		if err := tier.Validate(); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
		if _, ok := seen[tier.Name]; ok {
			return fmt.Errorf("tiers[%d]: duplicate tier %q", i, tier.Name)
		}
		seen[tier.Name] = struct{}{}
	}
	return nil
}

// Tier returns the template for name.
func (d Definitions) Tier(name domain.Tier) (TierConfig, error) {
	for _, tier := range d.Tiers {
		if tier.Name == name {
			return tier, nil
		}
	}
	return TierConfig{}, fmt.Errorf("tier %q is not defined", name)
}

func (c *TierConfig) applyDefaults() {
	if tier, err := domain.ParseTier(string(c.Name)); err == nil {
		c.Name = tier
	}
	if strings.TrimSpace(string(c.Gate)) == "" {
		c.Gate = GateBranch
	}
	c.Gate = GateMode(strings.ToLower(strings.TrimSpace(string(c.Gate))))
	if strings.TrimSpace(c.Pipeline) == "" {
		c.Pipeline = string(c.Name)
	}
	if strings.TrimSpace(c.Alert.Title) == "" {
		c.Alert.Title = strings.ToUpper(string(c.Name)) + " DATA QUALITY FAILURE"
	}
}

func (c TierConfig) Validate() error {
	if _, err := domain.ParseTier(string(c.Name)); err != nil {
		return err
	}
	switch c.Gate {
	case GateBranch, GateDirect:
	default:
		return fmt.Errorf("tier %s: unknown gate %q", c.Name, c.Gate)
	}
	if strings.TrimSpace(c.Schedule) != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("tier %s: schedule: %w", c.Name, err)
		}
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("tier %s: at least one model class is required", c.Name)
	}
	classes := make(map[string]struct{}, len(c.Models))
	for i, m := range c.Models {
		class := strings.TrimSpace(m.Class)
		if class == "" {
			return fmt.Errorf("tier %s: models[%d].class is required", c.Name, i)
		}
		if !isIdent(class) {
			return fmt.Errorf("tier %s: models[%d].class %q must be [a-z0-9_]", c.Name, i, class)
		}
		if _, ok := classes[class]; ok {
			return fmt.Errorf("tier %s: duplicate model class %q", c.Name, class)
		}
		classes[class] = struct{}{}
		if strings.TrimSpace(m.Select) == "" {
			return fmt.Errorf("tier %s: models[%d].select is required", c.Name, i)
		}
	}
	if c.Models[0].Optional {
		return fmt.Errorf("tier %s: the first model class cannot be optional", c.Name)
	}
	if len(c.Scans) == 0 {
		return fmt.Errorf("tier %s: at least one scan is required", c.Name)
	}
	datasources := make(map[string]struct{}, len(c.Scans))
	for i, s := range c.Scans {
		ds := strings.TrimSpace(s.Datasource)
		if ds == "" || !isIdent(ds) {
			return fmt.Errorf("tier %s: scans[%d].datasource %q must be [a-z0-9_]", c.Name, i, s.Datasource)
		}
		if _, ok := datasources[ds]; ok {
			return fmt.Errorf("tier %s: duplicate scan datasource %q", c.Name, ds)
		}
		datasources[ds] = struct{}{}
		if strings.TrimSpace(s.Checks) == "" {
			return fmt.Errorf("tier %s: scans[%d].checks is required", c.Name, i)
		}
	}
	return nil
}

// WithSelectors overrides model selectors by class. A single unnamed
// selector (key "") applies when the tier has exactly one class.
func (c TierConfig) WithSelectors(overrides map[string]string) (TierConfig, error) {
	if len(overrides) == 0 {
		return c, nil
	}
	out := c
	out.Models = append([]ModelClass(nil), c.Models...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, class := range keys {
		selector := strings.TrimSpace(overrides[class])
		if selector == "" {
			return TierConfig{}, fmt.Errorf("empty selector for class %q", class)
		}
		if class == "" {
			if len(out.Models) != 1 {
				return TierConfig{}, fmt.Errorf("tier %s has %d model classes; name the class (class=selector)", c.Name, len(out.Models))
			}
			out.Models[0].Select = selector
			continue
		}
		found := false
		for i := range out.Models {
			if out.Models[i].Class == class {
				out.Models[i].Select = selector
				found = true
			}
		}
		if !found {
			return TierConfig{}, fmt.Errorf("tier %s has no model class %q", c.Name, class)
		}
	}
	return out, nil
}

func isIdent(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return s != ""
}
