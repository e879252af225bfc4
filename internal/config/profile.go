// File: internal/config/profile.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/kestrelbyte/vigil-cli/api/schemas"
	homedir "github.com/mitchellh/go-homedir"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LoadProfile reads, decodes and validates a monitoring profile. Every
// failure is a CONFIG error; a profile that fails validation never reaches
// the engine.
func LoadProfile(path string) (*schemas.Profile, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeConfig, "expanding profile path %q: %w", path, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeConfig, "reading profile: %w", err)
	}

	var profile schemas.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, schemas.E(schemas.ErrCodeConfig, "decoding profile %q: %w", expanded, err)
	}
	profile.BasePath = filepath.Dir(expanded)

	if err := ValidateProfile(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ValidateProfile enforces the structural invariants the engine assumes:
// regions are unique with positive bounds, every rule references known
// regions, capture names are unique within a rule, and condition trees are
// well formed.
func ValidateProfile(p *schemas.Profile) error {
	if len(p.Regions) == 0 {
		return schemas.E(schemas.ErrCodeConfig, "profile defines no regions")
	}

	seen := make(map[string]bool, len(p.Regions))
	for _, r := range p.Regions {
		if r.Name == "" {
			return schemas.E(schemas.ErrCodeConfig, "region with empty name")
		}
		if seen[r.Name] {
			return schemas.E(schemas.ErrCodeConfig, "duplicate region name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Bounds.Width <= 0 || r.Bounds.Height <= 0 {
			return schemas.E(schemas.ErrCodeConfig, "region %q has non-positive bounds %dx%d",
				r.Name, r.Bounds.Width, r.Bounds.Height)
		}
	}

	ruleNames := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		rule := &p.Rules[i]
		if rule.Name == "" {
			return schemas.E(schemas.ErrCodeConfig, "rule %d has no name", i)
		}
		if ruleNames[rule.Name] {
			return schemas.E(schemas.ErrCodeConfig, "duplicate rule name %q", rule.Name)
		}
		ruleNames[rule.Name] = true

		if rule.Region != "" && !seen[rule.Region] {
			return schemas.E(schemas.ErrCodeConfig, "rule %q references unknown region %q",
				rule.Name, rule.Region)
		}

		captures := make(map[string]bool)
		if err := validateCondition(&rule.Condition, rule, seen, captures); err != nil {
			return err
		}

		if err := validateAction(rule); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c *schemas.ConditionSpec, rule *schemas.RuleSpec, regions, captures map[string]bool) error {
	if c.IsCompound() {
		if c.Type != "" {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: condition cannot have both type and logical_operator", rule.Name)
		}
		if c.Operator != schemas.OperatorAnd && c.Operator != schemas.OperatorOr {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: unknown logical_operator %q", rule.Name, c.Operator)
		}
		if len(c.SubConditions) == 0 {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: %s condition with no sub_conditions", rule.Name, c.Operator)
		}
		for i := range c.SubConditions {
			if err := validateCondition(&c.SubConditions[i], rule, regions, captures); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Type == "" {
		return schemas.E(schemas.ErrCodeConfig, "rule %q: condition with neither type nor logical_operator", rule.Name)
	}
	if c.Region != "" && !regions[c.Region] {
		return schemas.E(schemas.ErrCodeConfig,
			"rule %q: condition references unknown region %q", rule.Name, c.Region)
	}
	if c.Region == "" && rule.Region == "" {
		return schemas.E(schemas.ErrCodeConfig,
			"rule %q: condition %q has no region and the rule sets no default", rule.Name, c.Type)
	}
	if c.CaptureAs != "" {
		if captures[c.CaptureAs] {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: duplicate capture_as %q", rule.Name, c.CaptureAs)
		}
		captures[c.CaptureAs] = true
	}
	return nil
}

func validateAction(rule *schemas.RuleSpec) error {
	if rule.Action.Type == "" {
		return schemas.E(schemas.ErrCodeConfig, "rule %q: action has no type", rule.Name)
	}
	if rule.Action.Type == schemas.ActionTypeTask {
		cmd := strings.TrimSpace(rule.Action.StringParam("natural_language_command", ""))
		if cmd == "" {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: %s action requires natural_language_command", rule.Name, schemas.ActionTypeTask)
		}
		if max := rule.Action.IntParam("max_steps", 1); max <= 0 {
			return schemas.E(schemas.ErrCodeConfig,
				"rule %q: max_steps must be positive", rule.Name)
		}
	}
	return nil
}

// DescribeProfile renders a short human-readable summary for the check
// command.
func DescribeProfile(p *schemas.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile: %s\n", p.Name)
	fmt.Fprintf(&b, "regions: %d\n", len(p.Regions))
	for _, r := range p.Regions {
		fmt.Fprintf(&b, "  %-20s %d,%d %dx%d\n", r.Name,
			r.Bounds.X, r.Bounds.Y, r.Bounds.Width, r.Bounds.Height)
	}
	fmt.Fprintf(&b, "rules: %d\n", len(p.Rules))
	for _, rule := range p.Rules {
		fmt.Fprintf(&b, "  %-20s -> %s\n", rule.Name, rule.Action.Type)
	}
	return b.String()
}
