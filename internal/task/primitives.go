// internal/task/primitives.go
package task

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/capture"
	"github.com/kestrelbyte/vigil-cli/internal/llmutil"
)

// Intent identifies a primitive the orchestrator may execute. Instructions
// that map to no intent are refused, never guessed.
type Intent string

const (
	IntentClick Intent = "CLICK_DESCRIBED_ELEMENT"
	IntentType  Intent = "TYPE_IN_DESCRIBED_FIELD"
	IntentPress Intent = "PRESS_KEY_SIMPLE"
	IntentCheck Intent = "CHECK_VISUAL_STATE"
)

// AllIntents is the default allowed set when a task does not restrict it.
var AllIntents = []Intent{IntentClick, IntentType, IntentPress, IntentCheck}

var (
	clickVerbs = []string{"click", "tap", "press the button", "push the button", "select", "choose", "open"}
	typeVerbs  = []string{"type", "enter text", "input", "write", "fill"}
	pressVerbs = []string{"press", "hit", "push"}
	checkVerbs = []string{"check", "verify", "confirm", "is there", "does the", "look for", "ensure"}

	knownKeys = map[string]string{
		"enter": "enter", "return": "enter", "tab": "tab", "escape": "escape",
		"esc": "escape", "space": "space", "spacebar": "space", "backspace": "backspace",
		"delete": "delete", "home": "home", "end": "end", "pageup": "pageup",
		"pagedown": "pagedown", "up": "up", "down": "down", "left": "left", "right": "right",
	}

	quotedTextRegex = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// MapIntent maps a natural-language instruction to a primitive intent using
// verb heuristics. Fails closed: an instruction matching no known verb is an
// UNSAFE_ACTION error.
func MapIntent(instruction string) (Intent, error) {
	lower := strings.ToLower(strings.TrimSpace(instruction))
	if lower == "" {
		return "", schemas.E(schemas.ErrCodeUnsafeAction, "empty instruction")
	}

	// Key presses first: "press enter" must not become a click via the
	// generic press verb.
	for _, verb := range pressVerbs {
		if strings.HasPrefix(lower, verb+" ") {
			if _, ok := extractKey(lower); ok {
				return IntentPress, nil
			}
		}
	}
	for _, verb := range typeVerbs {
		if strings.HasPrefix(lower, verb+" ") || strings.HasPrefix(lower, verb+":") {
			return IntentType, nil
		}
	}
	for _, verb := range clickVerbs {
		if strings.HasPrefix(lower, verb+" ") {
			return IntentClick, nil
		}
	}
	for _, verb := range checkVerbs {
		if strings.HasPrefix(lower, verb+" ") {
			return IntentCheck, nil
		}
	}
	return "", schemas.E(schemas.ErrCodeUnsafeAction,
		"instruction %q maps to no known primitive", instruction)
}

func extractKey(lowerInstruction string) (string, bool) {
	for _, word := range strings.Fields(lowerInstruction) {
		word = strings.Trim(word, ".,!'\"")
		if key, ok := knownKeys[word]; ok {
			return key, true
		}
	}
	return "", false
}

// extractTextToType pulls the literal text out of a typing instruction,
// preferring quoted spans.
func extractTextToType(instruction string) (string, bool) {
	if m := quotedTextRegex.FindStringSubmatch(instruction); len(m) > 1 {
		return m[1], true
	}
	lower := strings.ToLower(instruction)
	for _, verb := range typeVerbs {
		if idx := strings.Index(lower, verb+" "); idx == 0 {
			rest := strings.TrimSpace(instruction[len(verb)+1:])
			// Drop a trailing "in/into the ... field" clause.
			for _, sep := range []string{" in the ", " into the ", " in ", " into "} {
				if cut := strings.Index(strings.ToLower(rest), sep); cut > 0 {
					rest = strings.TrimSpace(rest[:cut])
					break
				}
			}
			if rest != "" {
				return rest, true
			}
		}
	}
	return "", false
}

// StepContext carries the per-step collateral executors work against. Frames
// are always freshly captured for the step; stale pixels are never reused.
type StepContext struct {
	TaskID string
	Frames map[string]*schemas.Frame
}

// PreparedStep is the outcome of an executor's read-only preparation phase.
// Nothing in Prepare may touch the host; all mutation happens in Execute.
type PreparedStep struct {
	Intent      Intent
	Instruction string
	Description string
	Target      *RefinedTarget
	Action      schemas.ResolvedAction

	// RequiresConfirmation marks steps that mutate the host and therefore
	// participate in per-step confirmation gating.
	RequiresConfirmation bool
}

// StepResult reports what Execute did.
type StepResult struct {
	Success      bool
	ConditionMet bool
	Detail       string
}

// PrimitiveExecutor is the strategy interface for one intent.
type PrimitiveExecutor interface {
	Prepare(ctx context.Context, instruction string, sc *StepContext) (*PreparedStep, error)
	Execute(ctx context.Context, prep *PreparedStep, sc *StepContext) (*StepResult, error)
}

// ExecutorRegistry maps intents to executors.
type ExecutorRegistry struct {
	executors map[Intent]PrimitiveExecutor
}

// ExecutorDeps are the collaborators the built-in executors share.
type ExecutorDeps struct {
	Refiner   *TargetRefiner
	Performer schemas.ActionPerformer
	Vision    schemas.VisionQuerier
	Model     string
	Logger    *zap.Logger
}

// NewExecutorRegistry wires the built-in primitives.
func NewExecutorRegistry(deps ExecutorDeps) *ExecutorRegistry {
	r := &ExecutorRegistry{executors: make(map[Intent]PrimitiveExecutor)}
	logger := deps.Logger.Named("task.primitives")

	r.register(&clickExecutor{refiner: deps.Refiner, performer: deps.Performer, logger: logger}, IntentClick)
	r.register(&typeExecutor{refiner: deps.Refiner, performer: deps.Performer, logger: logger}, IntentType)
	r.register(&pressKeyExecutor{performer: deps.Performer, logger: logger}, IntentPress)
	r.register(&checkStateExecutor{vision: deps.Vision, model: deps.Model, logger: logger}, IntentCheck)
	return r
}

func (r *ExecutorRegistry) register(e PrimitiveExecutor, intents ...Intent) {
	for _, intent := range intents {
		r.executors[intent] = e
	}
}

// Get returns the executor for an intent.
func (r *ExecutorRegistry) Get(intent Intent) (PrimitiveExecutor, bool) {
	e, ok := r.executors[intent]
	return e, ok
}

// -- CLICK_DESCRIBED_ELEMENT --

type clickExecutor struct {
	refiner   *TargetRefiner
	performer schemas.ActionPerformer
	logger    *zap.Logger
}

func (e *clickExecutor) Prepare(ctx context.Context, instruction string, sc *StepContext) (*PreparedStep, error) {
	target, err := e.refiner.Refine(ctx, instruction, sc.Frames)
	if err != nil {
		return nil, err
	}
	center := target.Box.Center()
	return &PreparedStep{
		Intent:               IntentClick,
		Instruction:          instruction,
		Description:          fmt.Sprintf("click %q at (%d,%d) in region %s", instruction, center.X, center.Y, target.Region),
		Target:               target,
		RequiresConfirmation: true,
		Action: schemas.ResolvedAction{
			Type:   "click",
			TaskID: sc.TaskID,
			Params: map[string]any{
				"region": target.Region,
				"x":      center.X,
				"y":      center.Y,
				"button": "left",
			},
		},
	}, nil
}

func (e *clickExecutor) Execute(ctx context.Context, prep *PreparedStep, _ *StepContext) (*StepResult, error) {
	if err := e.performer.Perform(ctx, prep.Action); err != nil {
		return &StepResult{Success: false, Detail: err.Error()}, nil
	}
	return &StepResult{Success: true, Detail: prep.Description}, nil
}

// -- TYPE_IN_DESCRIBED_FIELD --

type typeExecutor struct {
	refiner   *TargetRefiner
	performer schemas.ActionPerformer
	logger    *zap.Logger
}

func (e *typeExecutor) Prepare(ctx context.Context, instruction string, sc *StepContext) (*PreparedStep, error) {
	text, ok := extractTextToType(instruction)
	if !ok {
		return nil, schemas.E(schemas.ErrCodeUnsafeAction,
			"cannot determine text to type from %q", instruction)
	}

	target, err := e.refiner.Refine(ctx, instruction, sc.Frames)
	if err != nil {
		return nil, err
	}
	center := target.Box.Center()
	return &PreparedStep{
		Intent:               IntentType,
		Instruction:          instruction,
		Description:          fmt.Sprintf("type %q into field at (%d,%d) in region %s", text, center.X, center.Y, target.Region),
		Target:               target,
		RequiresConfirmation: true,
		Action: schemas.ResolvedAction{
			Type:   "type_text",
			TaskID: sc.TaskID,
			Params: map[string]any{
				"region": target.Region,
				"x":      center.X,
				"y":      center.Y,
				"text":   text,
			},
		},
	}, nil
}

func (e *typeExecutor) Execute(ctx context.Context, prep *PreparedStep, _ *StepContext) (*StepResult, error) {
	if err := e.performer.Perform(ctx, prep.Action); err != nil {
		return &StepResult{Success: false, Detail: err.Error()}, nil
	}
	return &StepResult{Success: true, Detail: prep.Description}, nil
}

// -- PRESS_KEY_SIMPLE --

type pressKeyExecutor struct {
	performer schemas.ActionPerformer
	logger    *zap.Logger
}

func (e *pressKeyExecutor) Prepare(_ context.Context, instruction string, sc *StepContext) (*PreparedStep, error) {
	key, ok := extractKey(strings.ToLower(instruction))
	if !ok {
		return nil, schemas.E(schemas.ErrCodeUnsafeAction,
			"cannot determine key to press from %q", instruction)
	}
	return &PreparedStep{
		Intent:               IntentPress,
		Instruction:          instruction,
		Description:          fmt.Sprintf("press the %s key", key),
		RequiresConfirmation: true,
		Action: schemas.ResolvedAction{
			Type:   "press_key",
			TaskID: sc.TaskID,
			Params: map[string]any{"key": key},
		},
	}, nil
}

func (e *pressKeyExecutor) Execute(ctx context.Context, prep *PreparedStep, _ *StepContext) (*StepResult, error) {
	if err := e.performer.Perform(ctx, prep.Action); err != nil {
		return &StepResult{Success: false, Detail: err.Error()}, nil
	}
	return &StepResult{Success: true, Detail: prep.Description}, nil
}

// -- CHECK_VISUAL_STATE --

type checkAnswer struct {
	ConditionMet bool   `json:"condition_met"`
	Reasoning    string `json:"reasoning"`
}

const checkPromptTemplate = `Look at the screenshot(s) and decide: %s
Respond with JSON only: {"condition_met": <bool>, "reasoning": "<short explanation>"}`

// checkStateExecutor is read-only and therefore never confirmation-gated.
type checkStateExecutor struct {
	vision schemas.VisionQuerier
	model  string
	logger *zap.Logger
}

func (e *checkStateExecutor) Prepare(_ context.Context, instruction string, _ *StepContext) (*PreparedStep, error) {
	return &PreparedStep{
		Intent:               IntentCheck,
		Instruction:          instruction,
		Description:          fmt.Sprintf("check: %s", instruction),
		RequiresConfirmation: false,
	}, nil
}

func (e *checkStateExecutor) Execute(ctx context.Context, prep *PreparedStep, sc *StepContext) (*StepResult, error) {
	met, reasoning, err := evaluateVisualCondition(ctx, e.vision, e.model, prep.Instruction, sc.Frames)
	if err != nil {
		return nil, err
	}
	return &StepResult{Success: true, ConditionMet: met, Detail: reasoning}, nil
}

// evaluateVisualCondition asks the vision backend a yes/no question about
// the current frames. Shared by CHECK_VISUAL_STATE steps and conditional
// plan nodes.
func evaluateVisualCondition(ctx context.Context, vision schemas.VisionQuerier, model, condition string,
	frames map[string]*schemas.Frame) (bool, string, error) {

	if vision == nil {
		return false, "", schemas.E(schemas.ErrCodeVisionAPI,
			"cannot evaluate %q: no vision backend is configured", condition)
	}
	if len(frames) == 0 {
		return false, "", schemas.E(schemas.ErrCodeCapture, "no frames to evaluate condition against")
	}
	images := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		png, err := capture.EncodePNG(frame)
		if err != nil {
			return false, "", err
		}
		images = append(images, png)
	}

	resp, err := vision.Query(ctx, schemas.VisionRequest{
		Prompt:    fmt.Sprintf(checkPromptTemplate, condition),
		Images:    images,
		Model:     model,
		ForceJSON: true,
	})
	if err != nil {
		return false, "", err
	}
	answer, err := llmutil.ParseJSONResponse[checkAnswer](resp.Text)
	if err != nil {
		return false, "", schemas.E(schemas.ErrCodeVisionAPI, "decoding condition answer: %w", err)
	}
	return answer.ConditionMet, answer.Reasoning, nil
}
