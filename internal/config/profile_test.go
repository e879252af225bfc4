// File: internal/config/profile_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfileJSON = `{
	"profile_description": "build watcher",
	"settings": {"monitoring_interval_seconds": 0.5, "analysis_dominant_colors_k": 3},
	"regions": [
		{"name": "status_bar", "bounds": {"x": 0, "y": 0, "width": 200, "height": 40}},
		{"name": "dialog", "bounds": {"x": 100, "y": 100, "width": 400, "height": 300}}
	],
	"rules": [
		{
			"name": "green_means_go",
			"region": "status_bar",
			"condition": {
				"logical_operator": "AND",
				"sub_conditions": [
					{"type": "pixel_color", "relative_x": 5, "relative_y": 5,
					 "expected_bgr": {"b": 0, "g": 255, "r": 0}, "tolerance": 10,
					 "capture_as": "px"},
					{"type": "ocr_contains_text", "region": "dialog", "text_to_find": "Done"}
				]
			},
			"action": {"type": "log_message", "message": "done: {px}"}
		}
	]
}`

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProfile(t *testing.T) {
	t.Run("loads and validates a good profile", func(t *testing.T) {
		path := writeProfile(t, validProfileJSON)

		p, err := LoadProfile(path)
		require.NoError(t, err)
		assert.Equal(t, "build watcher", p.Name)
		assert.Equal(t, filepath.Dir(path), p.BasePath)
		require.Len(t, p.Rules, 1)
		assert.True(t, p.Rules[0].Condition.IsCompound())
		assert.Equal(t, "dialog", p.Rules[0].Condition.SubConditions[1].Region)
	})

	t.Run("missing file is a CONFIG error", func(t *testing.T) {
		_, err := LoadProfile(filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
		assert.True(t, schemas.HasCode(err, schemas.ErrCodeConfig))
	})

	t.Run("malformed json is a CONFIG error", func(t *testing.T) {
		path := writeProfile(t, `{"regions": [`)
		_, err := LoadProfile(path)
		require.Error(t, err)
		assert.True(t, schemas.HasCode(err, schemas.ErrCodeConfig))
	})
}

func TestValidateProfile(t *testing.T) {
	base := func() *schemas.Profile {
		var p schemas.Profile
		require.NoError(t, json.Unmarshal([]byte(validProfileJSON), &p))
		return &p
	}

	t.Run("unknown rule region", func(t *testing.T) {
		p := base()
		p.Rules[0].Region = "ghost"
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown region")
	})

	t.Run("unknown condition region", func(t *testing.T) {
		p := base()
		p.Rules[0].Condition.SubConditions[1].Region = "ghost"
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown region")
	})

	t.Run("duplicate capture name within a rule", func(t *testing.T) {
		p := base()
		p.Rules[0].Condition.SubConditions[1].CaptureAs = "px"
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate capture_as")
	})

	t.Run("leaf without any region", func(t *testing.T) {
		p := base()
		p.Rules[0].Region = ""
		p.Rules[0].Condition.SubConditions[0].Region = ""
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no region")
	})

	t.Run("compound with empty operator branch", func(t *testing.T) {
		p := base()
		p.Rules[0].Condition.Operator = "XOR"
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown logical_operator")
	})

	t.Run("perform_task needs a command", func(t *testing.T) {
		p := base()
		p.Rules[0].Action = schemas.ActionSpec{
			Type:   schemas.ActionTypeTask,
			Params: map[string]any{"natural_language_command": "   "},
		}
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "natural_language_command")
	})

	t.Run("zero-size region", func(t *testing.T) {
		p := base()
		p.Regions[0].Bounds.Height = 0
		err := ValidateProfile(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "non-positive bounds")
	})
}
