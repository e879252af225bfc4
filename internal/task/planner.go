// internal/task/planner.go
package task

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/capture"
)

// Planner decomposes a natural-language command into an executable plan,
// given the current look of the context regions.
type Planner interface {
	Plan(ctx context.Context, command string, frames map[string]*schemas.Frame) (*Plan, error)
}

// GeminiPlanner asks the vision backend to parse the command into the
// structured task document, then validates it into a plan arena.
type GeminiPlanner struct {
	vision   schemas.VisionQuerier
	model    string
	maxDepth int
	logger   *zap.Logger
}

// NewGeminiPlanner builds the production planner.
func NewGeminiPlanner(vision schemas.VisionQuerier, model string, maxDepth int, logger *zap.Logger) *GeminiPlanner {
	return &GeminiPlanner{
		vision:   vision,
		model:    model,
		maxDepth: maxDepth,
		logger:   logger.Named("task.planner"),
	}
}

const planPromptTemplate = `You parse user commands for a screen automation agent.
The attached screenshots show the current state of these screen regions, in order: %s.

Parse the following command into a structured task document:
%q

Respond with JSON only, in this exact envelope:
{"parsed_task": <task>}

where <task> is one of:
- {"command_type": "SINGLE_INSTRUCTION", "instruction": "<one atomic UI action>"}
- {"command_type": "SEQUENTIAL_INSTRUCTIONS", "steps": [<task>, ...]}
- {"command_type": "CONDITIONAL_INSTRUCTION", "condition_description": "<visual condition>", "if_true": <task>, "if_false": <task or null>}

Each atomic instruction must start with one of: click, type, press, check.
Break compound commands into SEQUENTIAL_INSTRUCTIONS. Use
CONDITIONAL_INSTRUCTION only when the command depends on what is visible.
Do not invent steps the command does not ask for.`

// Plan implements Planner.
func (p *GeminiPlanner) Plan(ctx context.Context, command string, frames map[string]*schemas.Frame) (*Plan, error) {
	if p.vision == nil {
		return nil, schemas.E(schemas.ErrCodeVisionAPI,
			"cannot plan %q: no vision backend is configured", command)
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

	resp, err := p.vision.Query(ctx, schemas.VisionRequest{
		Prompt:    fmt.Sprintf(planPromptTemplate, strings.Join(names, ", "), command),
		Images:    images,
		Model:     p.model,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}

	plan, err := ParsePlan(resp.Text, p.maxDepth)
	if err != nil {
		p.logger.Error("Planner produced an unusable document",
			zap.String("command", command), zap.Error(err))
		return nil, err
	}
	p.logger.Info("Command planned",
		zap.String("command", command),
		zap.Int("nodes", len(plan.Nodes)),
		zap.Int("instructions", plan.InstructionCount()))
	return plan, nil
}
