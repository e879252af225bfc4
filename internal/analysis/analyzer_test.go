// internal/analysis/analyzer_test.go
package analysis

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// solidFrame builds a frame filled with one color, optionally with a patch of
// a second color painted at (px, py) sized pw x ph.
func solidFrame(w, h int, fill color.NRGBA, patch *image.Rectangle, patchColor color.NRGBA) *schemas.Frame {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := fill
			if patch != nil && (image.Point{X: x, Y: y}).In(*patch) {
				c = patchColor
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return &schemas.Frame{Region: "test", Image: img}
}

type stubOCR struct {
	result schemas.OCRResult
	err    error
}

func (s *stubOCR) Recognize(_ context.Context, _ *image.NRGBA) (schemas.OCRResult, error) {
	return s.result, s.err
}

func TestPixelColor(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))
	frame := solidFrame(10, 10, color.NRGBA{R: 30, G: 20, B: 10, A: 255}, nil, color.NRGBA{})

	c, err := a.PixelColor(frame, image.Point{X: 5, Y: 5})
	require.NoError(t, err)
	assert.Equal(t, schemas.BGR{B: 10, G: 20, R: 30}, c)

	_, err = a.PixelColor(frame, image.Point{X: 10, Y: 0})
	require.Error(t, err)
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeAnalysis))
}

func TestAnalyzeAverageColor(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))
	frame := solidFrame(8, 8, color.NRGBA{R: 100, G: 150, B: 200, A: 255}, nil, color.NRGBA{})

	snap, err := a.Analyze(context.Background(), frame, schemas.AnalysisSet{AverageColor: true})
	require.NoError(t, err)
	require.NotNil(t, snap.AverageColor)
	assert.Equal(t, schemas.BGR{B: 200, G: 150, R: 100}, *snap.AverageColor)
	assert.Nil(t, snap.DominantColors)
	assert.Nil(t, snap.OCR)
}

func TestAnalyzeDominantColors(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t), WithDominantK(2))
	patch := image.Rect(0, 0, 10, 2) // 20 of 100 pixels
	frame := solidFrame(10, 10,
		color.NRGBA{R: 255, G: 0, B: 0, A: 255},
		&patch, color.NRGBA{R: 0, G: 0, B: 255, A: 255})

	snap, err := a.Analyze(context.Background(), frame, schemas.AnalysisSet{DominantColors: true})
	require.NoError(t, err)
	require.Len(t, snap.DominantColors, 2)

	top := snap.DominantColors[0]
	assert.InDelta(t, 80.0, top.Percentage, 0.01)
	assert.Greater(t, int(top.Color.R), 200, "dominant bucket should be red")

	second := snap.DominantColors[1]
	assert.InDelta(t, 20.0, second.Percentage, 0.01)
	assert.Greater(t, int(second.Color.B), 200, "second bucket should be blue")
}

func TestAnalyzeOCR(t *testing.T) {
	frame := solidFrame(4, 4, color.NRGBA{A: 255}, nil, color.NRGBA{})

	t.Run("no provider configured", func(t *testing.T) {
		a := NewAnalyzer(zaptest.NewLogger(t))
		_, err := a.Analyze(context.Background(), frame, schemas.AnalysisSet{OCR: true})
		require.Error(t, err)
		assert.True(t, schemas.HasCode(err, schemas.ErrCodeAnalysis))
	})

	t.Run("provider result is passed through", func(t *testing.T) {
		a := NewAnalyzer(zaptest.NewLogger(t), WithOCRProvider(&stubOCR{
			result: schemas.OCRResult{Text: "Build passed", Confidence: 92.5},
		}))
		snap, err := a.Analyze(context.Background(), frame, schemas.AnalysisSet{OCR: true})
		require.NoError(t, err)
		require.NotNil(t, snap.OCR)
		assert.Equal(t, "Build passed", snap.OCR.Text)
	})
}

func TestMatchTemplate(t *testing.T) {
	a := NewAnalyzer(zaptest.NewLogger(t))

	patch := image.Rect(6, 4, 10, 8)
	frame := solidFrame(20, 20,
		color.NRGBA{R: 10, G: 10, B: 10, A: 255},
		&patch, color.NRGBA{R: 240, G: 240, B: 240, A: 255})

	template := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			template.SetNRGBA(x, y, color.NRGBA{R: 240, G: 240, B: 240, A: 255})
		}
	}

	match, ok, err := a.MatchTemplate(frame, template, 0.95)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, image.Point{X: 6, Y: 4}, match.Location)
	assert.Greater(t, match.Confidence, 0.99)

	t.Run("below threshold", func(t *testing.T) {
		dark := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		_, ok, err := a.MatchTemplate(solidFrame(8, 8, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, nil, color.NRGBA{}), dark, 0.9)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("template larger than frame", func(t *testing.T) {
		big := image.NewNRGBA(image.Rect(0, 0, 50, 50))
		_, _, err := a.MatchTemplate(frame, big, 0.5)
		require.Error(t, err)
		assert.True(t, schemas.HasCode(err, schemas.ErrCodeAnalysis))
	})
}

func TestColorDistance(t *testing.T) {
	assert.Equal(t, 0, ColorDistance(schemas.BGR{B: 1, G: 2, R: 3}, schemas.BGR{B: 1, G: 2, R: 3}))
	assert.Equal(t, 30, ColorDistance(schemas.BGR{B: 10, G: 50, R: 0}, schemas.BGR{B: 40, G: 45, R: 5}))
}
