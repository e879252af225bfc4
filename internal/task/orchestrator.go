// internal/task/orchestrator.go
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// State is the orchestrator's task lifecycle state.
type State string

const (
	StateIdle                 State = "IDLE"
	StatePlanning             State = "PLANNING"
	StateExecuting            State = "EXECUTING"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
	StateCancelled            State = "CANCELLED"
)

// errCancelled aborts execution at the next cancellation point after a
// cancel request; it maps to StateCancelled, not a failure.
var errCancelled = errors.New("task cancelled")

// Gate serializes the orchestrator's blocking work and carries the
// cooperative cancel flag plus the confirmation channel to the UI.
type Gate interface {
	// Acquire claims the single task slot; it fails when a task is running.
	Acquire() error
	// Release frees the slot and clears the cancel flag.
	Release()
	// RunBlocking executes fn with a deadline, exactly one call outstanding.
	RunBlocking(ctx context.Context, label string, timeout time.Duration, fn func(context.Context) error) error
	// AwaitConfirmation blocks until the user answers, the timeout fires
	// (CONFIRMATION_TIMEOUT error) or the context ends.
	AwaitConfirmation(ctx context.Context, prompt string, timeout time.Duration) (schemas.ConfirmationDecision, error)
	// CancelRequested reports the cooperative cancel flag.
	CancelRequested() bool
}

// FrameSource re-acquires frames for the orchestrator. Every step sees
// pixels captured for that step.
type FrameSource interface {
	CaptureRegions(ctx context.Context, regions []string) (map[string]*schemas.Frame, error)
}

// Request describes one natural-language task handed over by a rule.
type Request struct {
	TaskID              string
	Command             string
	ContextRegions      []string
	AllowedIntents      []Intent
	RequireConfirmation bool
	MaxSteps            int
}

// Result summarizes a finished task.
type Result struct {
	TaskID        string
	FinalState    State
	StepsExecuted int
	StepFailures  int
}

// Options bound the orchestrator's blocking operations.
type Options struct {
	BlockingTimeout     time.Duration
	ConfirmationTimeout time.Duration
	DefaultMaxSteps     int
}

// Orchestrator turns a command into a plan and drives it through the
// primitive executors, one task at a time.
type Orchestrator struct {
	planner   Planner
	executors *ExecutorRegistry
	frames    FrameSource
	gate      Gate
	vision    schemas.VisionQuerier
	model     string
	opts      Options
	logger    *zap.Logger

	mu    sync.Mutex
	state State
}

// NewOrchestrator wires the task pipeline.
func NewOrchestrator(planner Planner, executors *ExecutorRegistry, frames FrameSource, gate Gate,
	vision schemas.VisionQuerier, model string, opts Options, logger *zap.Logger) *Orchestrator {

	return &Orchestrator{
		planner:   planner,
		executors: executors,
		frames:    frames,
		gate:      gate,
		vision:    vision,
		model:     model,
		opts:      opts,
		logger:    logger.Named("task.orchestrator"),
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("State transition", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// taskRun is the mutable state of one execution.
type taskRun struct {
	req      Request
	plan     *Plan
	allowed  map[Intent]bool
	maxSteps int

	stepsUsed    int
	stepFailures int
}

// Execute runs one task end to end. The returned error is non-nil exactly
// when the final state is Failed; cancellation is a clean outcome.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := o.gate.Acquire(); err != nil {
		return nil, err
	}
	defer o.gate.Release()

	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	log := o.logger.With(zap.String("task_id", req.TaskID))
	log.Info("Task accepted", zap.String("command", req.Command))

	run := &taskRun{
		req:      req,
		maxSteps: req.MaxSteps,
		allowed:  make(map[Intent]bool),
	}
	if run.maxSteps <= 0 {
		run.maxSteps = o.opts.DefaultMaxSteps
	}
	intents := req.AllowedIntents
	if len(intents) == 0 {
		intents = AllIntents
	}
	for _, intent := range intents {
		run.allowed[intent] = true
	}

	result := &Result{TaskID: req.TaskID}
	err := o.runTask(ctx, run)
	result.StepsExecuted = run.stepsUsed
	result.StepFailures = run.stepFailures

	switch {
	case err == nil:
		result.FinalState = StateCompleted
		o.setState(StateCompleted)
		log.Info("Task completed",
			zap.Int("steps", run.stepsUsed), zap.Int("failed_steps", run.stepFailures))
		return result, nil
	case errors.Is(err, errCancelled):
		result.FinalState = StateCancelled
		o.setState(StateCancelled)
		log.Info("Task cancelled", zap.Int("steps", run.stepsUsed))
		return result, nil
	default:
		result.FinalState = StateFailed
		o.setState(StateFailed)
		log.Error("Task failed", zap.Int("steps", run.stepsUsed), zap.Error(err))
		return result, err
	}
}

func (o *Orchestrator) runTask(ctx context.Context, run *taskRun) error {
	o.setState(StatePlanning)

	frames, err := o.captureFresh(ctx, run)
	if err != nil {
		return err
	}
	var plan *Plan
	err = o.runBlocking(ctx, "plan", func(ctx context.Context) error {
		var planErr error
		plan, planErr = o.planner.Plan(ctx, run.req.Command, frames)
		return planErr
	})
	if err != nil {
		return err
	}
	run.plan = plan

	o.setState(StateExecuting)
	return o.execNode(ctx, run, plan.Root)
}

// execNode walks the arena. Cancellation is honored at every node boundary;
// a step already dispatched is never interrupted mid-flight.
func (o *Orchestrator) execNode(ctx context.Context, run *taskRun, idx int) error {
	if o.gate.CancelRequested() {
		return errCancelled
	}
	if err := ctx.Err(); err != nil {
		return errCancelled
	}

	node, err := run.plan.node(idx)
	if err != nil {
		return schemas.WrapE(schemas.ErrCodePlanParse, err)
	}

	switch node.Kind {
	case NodeInstruction:
		return o.runInstruction(ctx, run, node.Instruction)

	case NodeSequence:
		for _, child := range node.Children {
			if err := o.execNode(ctx, run, child); err != nil {
				return err
			}
		}
		return nil

	case NodeConditional:
		met, err := o.evaluateBranch(ctx, run, node.Condition)
		if err != nil {
			return err
		}
		branch := node.Then
		if !met {
			branch = node.Else
		}
		if branch == NoNode {
			o.logger.Debug("Conditional branch absent, nothing to do",
				zap.String("condition", node.Condition), zap.Bool("met", met))
			return nil
		}
		return o.execNode(ctx, run, branch)

	default:
		return schemas.E(schemas.ErrCodePlanParse, "unknown plan node kind %q", node.Kind)
	}
}

// evaluateBranch answers a conditional node's visual question against fresh
// frames. Branch probes are read-only and do not consume step budget.
func (o *Orchestrator) evaluateBranch(ctx context.Context, run *taskRun, condition string) (bool, error) {
	frames, err := o.captureFresh(ctx, run)
	if err != nil {
		return false, err
	}

	var met bool
	err = o.runBlocking(ctx, "branch_condition", func(ctx context.Context) error {
		var detail string
		var evalErr error
		met, detail, evalErr = evaluateVisualCondition(ctx, o.vision, o.model, condition, frames)
		if evalErr == nil {
			o.logger.Debug("Branch condition evaluated",
				zap.String("condition", condition), zap.Bool("met", met), zap.String("detail", detail))
		}
		return evalErr
	})
	return met, err
}

func (o *Orchestrator) runInstruction(ctx context.Context, run *taskRun, instruction string) error {
	log := o.logger.With(zap.String("task_id", run.req.TaskID), zap.String("instruction", instruction))

	// Intent mapping fails closed before anything else happens.
	intent, err := MapIntent(instruction)
	if err != nil {
		return err
	}
	if !run.allowed[intent] {
		return schemas.E(schemas.ErrCodeUnsafeAction,
			"intent %s is not in the task's allowed set", intent)
	}
	executor, ok := o.executors.Get(intent)
	if !ok {
		return schemas.E(schemas.ErrCodeUnsafeAction, "no executor registered for intent %s", intent)
	}

	frames, err := o.captureFresh(ctx, run)
	if err != nil {
		return err
	}
	sc := &StepContext{TaskID: run.req.TaskID, Frames: frames}

	var prep *PreparedStep
	err = o.runBlocking(ctx, "prepare_step", func(ctx context.Context) error {
		var prepErr error
		prep, prepErr = executor.Prepare(ctx, instruction, sc)
		return prepErr
	})
	if err != nil {
		if errors.Is(err, ErrTargetNotFound) {
			// The element is not on screen right now. The plan has no
			// recovery notion, so the step failure fails the task.
			run.stepFailures++
			log.Warn("Step target not found, aborting task")
		}
		return err
	}

	if run.req.RequireConfirmation && prep.RequiresConfirmation {
		o.setState(StateAwaitingConfirmation)
		decision, err := o.gate.AwaitConfirmation(ctx, prep.Description, o.opts.ConfirmationTimeout)
		if err != nil {
			return err
		}
		switch decision {
		case schemas.ConfirmationReject:
			return schemas.E(schemas.ErrCodeStepRejected, "user rejected %q", prep.Description)
		case schemas.ConfirmationCancel:
			return errCancelled
		}
		o.setState(StateExecuting)
	}

	// A cancel that landed during preparation or confirmation stops the
	// step here, before it is counted or dispatched.
	if o.gate.CancelRequested() {
		return errCancelled
	}

	// The budget is checked before dispatch; a step over the limit never
	// starts.
	if run.stepsUsed+1 > run.maxSteps {
		return schemas.E(schemas.ErrCodeStepLimit,
			"step budget %d exhausted before %q", run.maxSteps, instruction)
	}
	run.stepsUsed++

	var result *StepResult
	err = o.runBlocking(ctx, "execute_step", func(ctx context.Context) error {
		var execErr error
		result, execErr = executor.Execute(ctx, prep, sc)
		return execErr
	})
	if err != nil {
		return err
	}
	if !result.Success {
		// No step is marked recoverable, so the first failure fails the
		// task; siblings must not run against a state the plan no longer
		// describes.
		run.stepFailures++
		log.Warn("Step reported failure, aborting task", zap.String("detail", result.Detail))
		return fmt.Errorf("step %q failed: %s", instruction, result.Detail)
	}
	log.Info("Step executed",
		zap.String("intent", string(intent)),
		zap.Int("steps_used", run.stepsUsed),
		zap.String("detail", result.Detail))
	return nil
}

// captureFresh grabs the task's context regions through the gate.
func (o *Orchestrator) captureFresh(ctx context.Context, run *taskRun) (map[string]*schemas.Frame, error) {
	var frames map[string]*schemas.Frame
	err := o.runBlocking(ctx, "capture_frames", func(ctx context.Context) error {
		var capErr error
		frames, capErr = o.frames.CaptureRegions(ctx, run.req.ContextRegions)
		return capErr
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// runBlocking funnels every blocking dispatch through one cancellation
// point: a cancel that arrived since the last node boundary stops the task
// before the next call starts.
func (o *Orchestrator) runBlocking(ctx context.Context, label string, fn func(context.Context) error) error {
	if o.gate.CancelRequested() {
		return errCancelled
	}
	return o.gate.RunBlocking(ctx, label, o.opts.BlockingTimeout, fn)
}
