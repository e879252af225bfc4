// File: api/schemas/profile.go
package schemas

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rect is a rectangle in screen coordinates, top-left origin.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Region is a named rectangular screen area. Regions are immutable once the
// profile is loaded and are owned by the profile.
type Region struct {
	Name   string `json:"name"`
	Bounds Rect   `json:"bounds"`
}

// Settings holds profile-level tuning knobs.
type Settings struct {
	MonitoringIntervalSeconds float64 `json:"monitoring_interval_seconds"`
	AnalysisDominantColorsK   int     `json:"analysis_dominant_colors_k"`
	GeminiDefaultModelName    string  `json:"gemini_default_model_name"`
}

// Profile is the declarative description of what to watch and what to do.
// The engine consumes it; it never writes it back.
type Profile struct {
	Name     string     `json:"profile_description"`
	Settings Settings   `json:"settings"`
	Regions  []Region   `json:"regions"`
	Rules    []RuleSpec `json:"rules"`

	// BasePath is the directory the profile was loaded from. Used to resolve
	// template image files. Not part of the serialized form.
	BasePath string `json:"-"`
}

// RegionByName returns the named region, if present.
func (p *Profile) RegionByName(name string) (Region, bool) {
	for _, r := range p.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// RuleSpec binds a condition tree to an action. Rules are evaluated in list
// order every tick; order is significant.
type RuleSpec struct {
	Name      string        `json:"name"`
	Region    string        `json:"region,omitempty"`
	Condition ConditionSpec `json:"condition"`
	Action    ActionSpec    `json:"action"`
}

// Logical operators for compound conditions.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// ActionTypeTask is the reserved action type that hands the rule's action off
// to the task orchestrator instead of the plain action performer.
const ActionTypeTask = "perform_task"

// ConditionSpec is either a leaf condition ({type, params...}) or a compound
// node ({logical_operator, sub_conditions}). Leaves are the only evaluable
// unit; trees may nest arbitrarily.
type ConditionSpec struct {
	Type      string `json:"type,omitempty"`
	Region    string `json:"region,omitempty"`
	CaptureAs string `json:"capture_as,omitempty"`

	Operator      string          `json:"logical_operator,omitempty"`
	SubConditions []ConditionSpec `json:"sub_conditions,omitempty"`

	// Params carries every condition-type-specific key that is not one of the
	// structural fields above (e.g. expected_bgr, prompt, text_to_find).
	Params map[string]any `json:"-"`
}

// IsCompound reports whether the node is an AND/OR combinator.
func (c *ConditionSpec) IsCompound() bool {
	return c.Operator != "" && c.SubConditions != nil
}

// condition keys that are structural rather than evaluator parameters.
var conditionStructuralKeys = map[string]bool{
	"type":             true,
	"region":           true,
	"capture_as":       true,
	"logical_operator": true,
	"sub_conditions":   true,
}

// UnmarshalJSON splits structural fields from evaluator parameters so each
// condition kind can define its own parameter set without schema churn.
func (c *ConditionSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &c.Type); err != nil {
			return fmt.Errorf("condition type: %w", err)
		}
	}
	if v, ok := raw["region"]; ok {
		if err := json.Unmarshal(v, &c.Region); err != nil {
			return fmt.Errorf("condition region: %w", err)
		}
	}
	if v, ok := raw["capture_as"]; ok {
		if err := json.Unmarshal(v, &c.CaptureAs); err != nil {
			return fmt.Errorf("condition capture_as: %w", err)
		}
	}
	if v, ok := raw["logical_operator"]; ok {
		var op string
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("condition logical_operator: %w", err)
		}
		c.Operator = strings.ToUpper(strings.TrimSpace(op))
	}
	if v, ok := raw["sub_conditions"]; ok {
		if err := json.Unmarshal(v, &c.SubConditions); err != nil {
			return fmt.Errorf("sub_conditions: %w", err)
		}
	}
	c.Params = make(map[string]any)
	for k, v := range raw {
		if conditionStructuralKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("condition param %q: %w", k, err)
		}
		c.Params[k] = val
	}
	return nil
}

// ActionSpec is {type, parameters}. Parameter values may contain {var} or
// {var.path.0} placeholder tokens resolved from the rule's variable context
// at dispatch time.
type ActionSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"-"`
}

// UnmarshalJSON keeps the type field and shovels everything else into Params.
func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &a.Type); err != nil {
			return fmt.Errorf("action type: %w", err)
		}
	}
	a.Params = make(map[string]any)
	for k, v := range raw {
		if k == "type" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("action param %q: %w", k, err)
		}
		a.Params[k] = val
	}
	return nil
}

// StringParam returns a string-typed parameter, or fallback when absent.
func (a ActionSpec) StringParam(key, fallback string) string {
	if v, ok := a.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// BoolParam returns a bool-typed parameter, or fallback when absent.
func (a ActionSpec) BoolParam(key string, fallback bool) bool {
	if v, ok := a.Params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// IntParam returns an integer parameter, tolerating the float64 values JSON
// decoding produces, or fallback when absent or non-numeric.
func (a ActionSpec) IntParam(key string, fallback int) int {
	v, ok := a.Params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return fallback
}

// StringListParam accepts either a JSON array of strings or a comma-separated
// string, matching the profile schema's tolerance for both forms.
func (a ActionSpec) StringListParam(key string) []string {
	v, ok := a.Params[key]
	if !ok {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
