// File: api/schemas/profile_test.go
package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionSpecUnmarshalSplitsParams(t *testing.T) {
	raw := []byte(`{
		"type": "pixel_color",
		"region": "status_bar",
		"capture_as": "px",
		"relative_x": 4,
		"relative_y": 9,
		"expected_bgr": {"b": 10, "g": 20, "r": 30},
		"tolerance": 5
	}`)

	var c ConditionSpec
	require.NoError(t, json.Unmarshal(raw, &c))

	assert.Equal(t, "pixel_color", c.Type)
	assert.Equal(t, "status_bar", c.Region)
	assert.Equal(t, "px", c.CaptureAs)
	assert.False(t, c.IsCompound())

	assert.Equal(t, float64(4), c.Params["relative_x"])
	assert.Equal(t, float64(5), c.Params["tolerance"])
	assert.NotContains(t, c.Params, "type")
	assert.NotContains(t, c.Params, "capture_as")
}

func TestConditionSpecUnmarshalCompound(t *testing.T) {
	raw := []byte(`{
		"logical_operator": "and",
		"sub_conditions": [
			{"type": "always_true"},
			{"logical_operator": "OR", "sub_conditions": [{"type": "always_true"}]}
		]
	}`)

	var c ConditionSpec
	require.NoError(t, json.Unmarshal(raw, &c))

	require.True(t, c.IsCompound())
	assert.Equal(t, OperatorAnd, c.Operator, "operator must be normalized to upper case")
	require.Len(t, c.SubConditions, 2)
	assert.True(t, c.SubConditions[1].IsCompound())
	assert.Equal(t, "always_true", c.SubConditions[0].Type)
}

func TestActionSpecParamHelpers(t *testing.T) {
	raw := []byte(`{
		"type": "perform_task",
		"natural_language_command": "click save",
		"require_confirmation_per_step": true,
		"max_steps": 7,
		"allowed_actions_override": "CLICK_DESCRIBED_ELEMENT, PRESS_KEY_SIMPLE"
	}`)

	var a ActionSpec
	require.NoError(t, json.Unmarshal(raw, &a))

	assert.Equal(t, ActionTypeTask, a.Type)
	assert.Equal(t, "click save", a.StringParam("natural_language_command", ""))
	assert.True(t, a.BoolParam("require_confirmation_per_step", false))
	assert.Equal(t, 7, a.IntParam("max_steps", 10))
	assert.Equal(t, 10, a.IntParam("missing", 10))
	assert.Equal(t,
		[]string{"CLICK_DESCRIBED_ELEMENT", "PRESS_KEY_SIMPLE"},
		a.StringListParam("allowed_actions_override"))
}

func TestStringListParamArrayForm(t *testing.T) {
	raw := []byte(`{"type": "x", "keys": ["enter", " tab "]}`)

	var a ActionSpec
	require.NoError(t, json.Unmarshal(raw, &a))
	assert.Equal(t, []string{"enter", "tab"}, a.StringListParam("keys"))
}

func TestErrorCodeRoundTrip(t *testing.T) {
	base := errors.New("boom")
	err := WrapE(ErrCodeVisionAPI, base)

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeVisionAPI, code)
	assert.True(t, HasCode(err, ErrCodeVisionAPI))
	assert.False(t, HasCode(err, ErrCodeConfig))
	assert.ErrorIs(t, err, base)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
	assert.NoError(t, WrapE(ErrCodeConfig, nil))
}

func TestProfileRegionByName(t *testing.T) {
	p := Profile{Regions: []Region{
		{Name: "a", Bounds: Rect{X: 1, Y: 2, Width: 3, Height: 4}},
		{Name: "b", Bounds: Rect{Width: 10, Height: 10}},
	}}

	r, ok := p.RegionByName("b")
	require.True(t, ok)
	assert.Equal(t, 10, r.Bounds.Width)

	_, ok = p.RegionByName("missing")
	assert.False(t, ok)
}
