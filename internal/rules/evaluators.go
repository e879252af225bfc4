// internal/rules/evaluators.go
package rules

import (
	"context"
	"fmt"
	"image"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/analysis"
	"github.com/kestrelbyte/vigil-cli/internal/capture"
)

// Condition kind names as they appear in profiles.
const (
	KindPixelColor    = "pixel_color"
	KindAverageColor  = "average_color_is"
	KindTemplateMatch = "template_match_found"
	KindOCRContains   = "ocr_contains_text"
	KindDominantColor = "dominant_color_matches"
	KindVisionQuery   = "vision_query"
	KindAlwaysTrue    = "always_true"
)

// EvalInput is everything a leaf evaluator may consult. Evaluators must not
// mutate the snapshot; captures flow back through Outcome.
type EvalInput struct {
	Rule      *schemas.RuleSpec
	Condition *schemas.ConditionSpec
	Snapshot  *schemas.RegionSnapshot
	Vars      VariableContext
}

// Outcome is a leaf's verdict plus the value to store when capture_as is set.
type Outcome struct {
	Matched  bool
	Captured any
}

// Evaluator decides one condition kind against a region snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, in EvalInput) (Outcome, error)
}

// Registry maps condition kinds to their evaluators, strategy style. Kinds
// the registry does not know fail evaluation.
type Registry struct {
	evaluators   map[string]Evaluator
	requirements map[string]schemas.AnalysisSet
	logger       *zap.Logger
}

// RegistryDeps are the collaborators the built-in evaluators need.
type RegistryDeps struct {
	Analyzer     schemas.LocalAnalyzer
	Templates    *TemplateStore
	Vision       schemas.VisionQuerier
	DefaultModel string
	Logger       *zap.Logger
}

// NewRegistry wires up the built-in condition evaluators.
func NewRegistry(deps RegistryDeps) *Registry {
	r := &Registry{
		evaluators:   make(map[string]Evaluator),
		requirements: make(map[string]schemas.AnalysisSet),
		logger:       deps.Logger.Named("rules.evaluators"),
	}

	r.register(&pixelColorEvaluator{analyzer: deps.Analyzer}, schemas.AnalysisSet{}, KindPixelColor)
	r.register(&averageColorEvaluator{}, schemas.AnalysisSet{AverageColor: true}, KindAverageColor)
	r.register(&templateMatchEvaluator{analyzer: deps.Analyzer, templates: deps.Templates},
		schemas.AnalysisSet{}, KindTemplateMatch)
	r.register(&ocrContainsEvaluator{}, schemas.AnalysisSet{OCR: true}, KindOCRContains)
	r.register(&dominantColorEvaluator{}, schemas.AnalysisSet{DominantColors: true}, KindDominantColor)
	r.register(&visionQueryEvaluator{vision: deps.Vision, defaultModel: deps.DefaultModel, logger: r.logger},
		schemas.AnalysisSet{}, KindVisionQuery)
	r.register(alwaysTrueEvaluator{}, schemas.AnalysisSet{}, KindAlwaysTrue)

	return r
}

func (r *Registry) register(e Evaluator, req schemas.AnalysisSet, kinds ...string) {
	for _, kind := range kinds {
		r.evaluators[kind] = e
		r.requirements[kind] = req
	}
}

// Get looks up the evaluator for a condition kind.
func (r *Registry) Get(kind string) (Evaluator, bool) {
	e, ok := r.evaluators[kind]
	return e, ok
}

// RequirementsFor reports which local analyses the kind consumes.
func (r *Registry) RequirementsFor(kind string) schemas.AnalysisSet {
	return r.requirements[kind]
}

// -- Parameter helpers --

func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func paramBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

func paramFloat(params map[string]any, key string, fallback float64) float64 {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return fallback
}

// parseBGR accepts {"b":..,"g":..,"r":..} or a [b,g,r] triple.
func parseBGR(v any) (schemas.BGR, error) {
	channel := func(x any) (uint8, error) {
		switch n := x.(type) {
		case float64:
			if n < 0 || n > 255 {
				return 0, fmt.Errorf("channel %v out of range", n)
			}
			return uint8(n), nil
		case int:
			if n < 0 || n > 255 {
				return 0, fmt.Errorf("channel %v out of range", n)
			}
			return uint8(n), nil
		}
		return 0, fmt.Errorf("channel %v is not numeric", x)
	}

	switch t := v.(type) {
	case map[string]any:
		b, err := channel(t["b"])
		if err != nil {
			return schemas.BGR{}, err
		}
		g, err := channel(t["g"])
		if err != nil {
			return schemas.BGR{}, err
		}
		r, err := channel(t["r"])
		if err != nil {
			return schemas.BGR{}, err
		}
		return schemas.BGR{B: b, G: g, R: r}, nil
	case []any:
		if len(t) != 3 {
			return schemas.BGR{}, fmt.Errorf("color triple has %d elements", len(t))
		}
		b, err := channel(t[0])
		if err != nil {
			return schemas.BGR{}, err
		}
		g, err := channel(t[1])
		if err != nil {
			return schemas.BGR{}, err
		}
		r, err := channel(t[2])
		if err != nil {
			return schemas.BGR{}, err
		}
		return schemas.BGR{B: b, G: g, R: r}, nil
	}
	return schemas.BGR{}, fmt.Errorf("expected_bgr has unsupported type %T", v)
}

func bgrAsMap(c schemas.BGR) map[string]any {
	return map[string]any{"b": float64(c.B), "g": float64(c.G), "r": float64(c.R)}
}

// -- Evaluators --

type pixelColorEvaluator struct {
	analyzer schemas.LocalAnalyzer
}

func (e *pixelColorEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	params := in.Condition.Params
	expected, err := parseBGR(params["expected_bgr"])
	if err != nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "pixel_color expected_bgr: %w", err)
	}
	at := image.Point{
		X: paramInt(params, "relative_x", 0),
		Y: paramInt(params, "relative_y", 0),
	}
	actual, err := e.analyzer.PixelColor(in.Snapshot.Frame, at)
	if err != nil {
		return Outcome{}, err
	}

	tolerance := paramInt(params, "tolerance", 0)
	matched := analysis.ColorDistance(actual, expected) <= tolerance
	return Outcome{Matched: matched, Captured: bgrAsMap(actual)}, nil
}

type averageColorEvaluator struct{}

func (e *averageColorEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	if in.Snapshot.AverageColor == nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis,
			"average color not computed for region %q", in.Snapshot.Frame.Region)
	}
	expected, err := parseBGR(in.Condition.Params["expected_bgr"])
	if err != nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "average_color_is expected_bgr: %w", err)
	}

	tolerance := paramInt(in.Condition.Params, "tolerance", 10)
	actual := *in.Snapshot.AverageColor
	matched := analysis.ColorDistance(actual, expected) <= tolerance
	return Outcome{Matched: matched, Captured: bgrAsMap(actual)}, nil
}

type templateMatchEvaluator struct {
	analyzer  schemas.LocalAnalyzer
	templates *TemplateStore
}

func (e *templateMatchEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	filename, ok := paramString(in.Condition.Params, "template_filename")
	if !ok || filename == "" {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "template_match_found requires template_filename")
	}
	template, err := e.templates.Load(filename)
	if err != nil {
		return Outcome{}, err
	}

	minConfidence := paramFloat(in.Condition.Params, "min_confidence", 0.8)
	match, ok, err := e.analyzer.MatchTemplate(in.Snapshot.Frame, template, minConfidence)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, nil
	}
	return Outcome{Matched: true, Captured: map[string]any{
		"x":          float64(match.Location.X),
		"y":          float64(match.Location.Y),
		"confidence": match.Confidence,
	}}, nil
}

type ocrContainsEvaluator struct{}

func (e *ocrContainsEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	if in.Snapshot.OCR == nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis,
			"OCR not run for region %q", in.Snapshot.Frame.Region)
	}

	needles := stringOrList(in.Condition.Params["text_to_find"])
	if len(needles) == 0 {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "ocr_contains_text requires text_to_find")
	}
	if min := paramFloat(in.Condition.Params, "min_ocr_confidence", 0); in.Snapshot.OCR.Confidence < min {
		return Outcome{}, nil
	}

	haystack := in.Snapshot.OCR.Text
	caseSensitive := paramBool(in.Condition.Params, "case_sensitive", false)
	if !caseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, needle := range needles {
		if !caseSensitive {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			return Outcome{Matched: true, Captured: in.Snapshot.OCR.Text}, nil
		}
	}
	return Outcome{}, nil
}

func stringOrList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type dominantColorEvaluator struct{}

func (e *dominantColorEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	if in.Snapshot.DominantColors == nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis,
			"dominant colors not computed for region %q", in.Snapshot.Frame.Region)
	}
	expected, err := parseBGR(in.Condition.Params["expected_bgr"])
	if err != nil {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "dominant_color_matches expected_bgr: %w", err)
	}

	tolerance := paramInt(in.Condition.Params, "tolerance", 24)
	topN := paramInt(in.Condition.Params, "check_top_n_colors", 1)
	minPct := paramFloat(in.Condition.Params, "min_percentage", 0)

	for i, dc := range in.Snapshot.DominantColors {
		if i >= topN {
			break
		}
		if dc.Percentage < minPct {
			continue
		}
		if analysis.ColorDistance(dc.Color, expected) <= tolerance {
			captured := bgrAsMap(dc.Color)
			captured["percentage"] = dc.Percentage
			return Outcome{Matched: true, Captured: captured}, nil
		}
	}
	return Outcome{}, nil
}

type visionQueryEvaluator struct {
	vision       schemas.VisionQuerier
	defaultModel string
	logger       *zap.Logger
}

func (e *visionQueryEvaluator) Evaluate(ctx context.Context, in EvalInput) (Outcome, error) {
	if e.vision == nil {
		return Outcome{}, schemas.E(schemas.ErrCodeVisionAPI, "vision backend not configured")
	}
	prompt, ok := paramString(in.Condition.Params, "prompt")
	if !ok || strings.TrimSpace(prompt) == "" {
		return Outcome{}, schemas.E(schemas.ErrCodeAnalysis, "vision_query requires prompt")
	}
	// Prompts may reference captures from earlier conditions in the same
	// rule; unresolved tokens stay literal.
	prompt = LenientSubstituteString(prompt, in.Vars)

	png, err := capture.EncodePNG(in.Snapshot.Frame)
	if err != nil {
		return Outcome{}, err
	}
	model, _ := paramString(in.Condition.Params, "model_name")
	if model == "" {
		model = e.defaultModel
	}

	resp, err := e.vision.Query(ctx, schemas.VisionRequest{
		Prompt: prompt,
		Images: [][]byte{png},
		Model:  model,
	})
	if err != nil {
		return Outcome{}, err
	}
	answer := strings.TrimSpace(resp.Text)

	expected, _ := paramString(in.Condition.Params, "expected_response_contains")
	if expected == "" {
		return Outcome{Matched: answer != "", Captured: answer}, nil
	}

	haystack, needle := answer, expected
	if !paramBool(in.Condition.Params, "case_sensitive", false) {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}
	return Outcome{Matched: strings.Contains(haystack, needle), Captured: answer}, nil
}

type alwaysTrueEvaluator struct{}

func (alwaysTrueEvaluator) Evaluate(context.Context, EvalInput) (Outcome, error) {
	return Outcome{Matched: true, Captured: true}, nil
}
