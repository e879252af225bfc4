// internal/task/refiner.go
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/capture"
	"github.com/kestrelbyte/vigil-cli/internal/llmutil"
)

// ErrTargetNotFound is returned when the model sees no element matching the
// description. The step fails, and with it the task.
var ErrTargetNotFound = errors.New("described target not found on screen")

// RefinedTarget is a located UI element within one context region.
type RefinedTarget struct {
	Region     string
	Box        schemas.BoundingBox
	Confidence float64
}

// TargetRefiner turns a natural-language element description into concrete
// coordinates by asking the vision backend to locate it in the current
// frames.
type TargetRefiner struct {
	vision schemas.VisionQuerier
	model  string
	logger *zap.Logger
}

// NewTargetRefiner builds a refiner sharing the task's vision client.
func NewTargetRefiner(vision schemas.VisionQuerier, model string, logger *zap.Logger) *TargetRefiner {
	return &TargetRefiner{vision: vision, model: model, logger: logger.Named("task.refiner")}
}

type refineCandidate struct {
	Region     string  `json:"region"`
	Box        []int   `json:"box"`
	Confidence float64 `json:"confidence"`
}

type refineAnswer struct {
	Found      bool              `json:"found"`
	Candidates []refineCandidate `json:"candidates"`
}

const refinePromptTemplate = `You are locating a UI element in screenshots.
The screenshots are named, in order: %s.
Find every element matching this description: %q.
Respond with JSON only:
{"found": <bool>, "candidates": [{"region": "<screenshot name>", "box": [x, y, width, height], "confidence": <0..1>}]}
Coordinates are pixels relative to the named screenshot's top-left corner.
If nothing matches, respond {"found": false, "candidates": []}.`

// Refine locates the description in the given frames and returns the single
// best candidate. Ties on confidence break toward the top-left-most box so
// the choice is deterministic.
func (r *TargetRefiner) Refine(ctx context.Context, description string, frames map[string]*schemas.Frame) (*RefinedTarget, error) {
	if r.vision == nil {
		return nil, schemas.E(schemas.ErrCodeVisionAPI,
			"cannot locate %q: no vision backend is configured", description)
	}
	if len(frames) == 0 {
		return nil, schemas.E(schemas.ErrCodeAnalysis, "no context frames to refine %q against", description)
	}

	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	images := make([][]byte, 0, len(names))
	for _, name := range names {
		png, err := capture.EncodePNG(frames[name])
		if err != nil {
			return nil, err
		}
		images = append(images, png)
	}

	resp, err := r.vision.Query(ctx, schemas.VisionRequest{
		Prompt:    fmt.Sprintf(refinePromptTemplate, strings.Join(names, ", "), description),
		Images:    images,
		Model:     r.model,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}

	answer, err := llmutil.ParseJSONResponse[refineAnswer](resp.Text)
	if err != nil {
		return nil, schemas.E(schemas.ErrCodeVisionAPI, "decoding refinement answer: %w", err)
	}
	if !answer.Found || len(answer.Candidates) == 0 {
		return nil, ErrTargetNotFound
	}

	best, err := pickCandidate(answer.Candidates, frames)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Target refined",
		zap.String("description", description),
		zap.String("region", best.Region),
		zap.Float64("confidence", best.Confidence))
	return best, nil
}

// pickCandidate selects the highest-confidence valid candidate; equal
// confidences fall back to the top-left-most box (y, then x).
func pickCandidate(candidates []refineCandidate, frames map[string]*schemas.Frame) (*RefinedTarget, error) {
	var best *RefinedTarget
	for _, c := range candidates {
		frame, ok := frames[c.Region]
		if !ok || len(c.Box) != 4 {
			continue
		}
		box := schemas.BoundingBox{X: c.Box[0], Y: c.Box[1], Width: c.Box[2], Height: c.Box[3]}
		bounds := frame.Image.Bounds()
		if box.Width <= 0 || box.Height <= 0 ||
			box.X < 0 || box.Y < 0 ||
			box.X+box.Width > bounds.Dx() || box.Y+box.Height > bounds.Dy() {
			continue
		}

		candidate := &RefinedTarget{Region: c.Region, Box: box, Confidence: c.Confidence}
		if best == nil || betterCandidate(candidate, best) {
			best = candidate
		}
	}
	if best == nil {
		return nil, ErrTargetNotFound
	}
	return best, nil
}

func betterCandidate(a, b *RefinedTarget) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Box.Y != b.Box.Y {
		return a.Box.Y < b.Box.Y
	}
	return a.Box.X < b.Box.X
}
