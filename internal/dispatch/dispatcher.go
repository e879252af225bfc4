// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/rules"
	"github.com/kestrelbyte/vigil-cli/internal/task"
)

// TaskRunner executes natural-language tasks; satisfied by the task
// orchestrator.
type TaskRunner interface {
	Execute(ctx context.Context, req task.Request) (*task.Result, error)
}

// Dispatcher routes matched rules' actions: perform_task actions go to the
// orchestrator, everything else to the action performer.
type Dispatcher struct {
	performer schemas.ActionPerformer
	tasks     TaskRunner
	logger    *zap.Logger
}

// NewDispatcher wires the two action sinks.
func NewDispatcher(performer schemas.ActionPerformer, tasks TaskRunner, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		performer: performer,
		tasks:     tasks,
		logger:    logger.Named("dispatch"),
	}
}

// Dispatch implements rules.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, req rules.DispatchRequest) error {
	if req.Action.Type == schemas.ActionTypeTask {
		return d.dispatchTask(ctx, req)
	}

	action := schemas.ResolvedAction{
		Type:     req.Action.Type,
		Params:   req.Action.Params,
		RuleName: req.RuleName,
	}
	return d.performer.Perform(ctx, action)
}

func (d *Dispatcher) dispatchTask(ctx context.Context, req rules.DispatchRequest) error {
	command := strings.TrimSpace(req.Action.StringParam("natural_language_command", ""))
	if command == "" {
		return schemas.E(schemas.ErrCodeConfig,
			"rule %q: %s action without a command", req.RuleName, schemas.ActionTypeTask)
	}

	allowed, err := parseAllowedIntents(req.Action.StringListParam("allowed_actions_override"))
	if err != nil {
		return err
	}

	taskReq := task.Request{
		Command:             command,
		ContextRegions:      req.Action.StringListParam("context_region_names"),
		AllowedIntents:      allowed,
		RequireConfirmation: req.Action.BoolParam("require_confirmation_per_step", false),
		MaxSteps:            req.Action.IntParam("max_steps", 0),
	}

	d.logger.Info("Handing command to task orchestrator",
		zap.String("rule", req.RuleName), zap.String("command", command))

	result, err := d.tasks.Execute(ctx, taskReq)
	if err != nil {
		return err
	}
	d.logger.Info("Task finished",
		zap.String("rule", req.RuleName),
		zap.String("task_id", result.TaskID),
		zap.String("final_state", string(result.FinalState)),
		zap.Int("steps", result.StepsExecuted),
		zap.Int("failed_steps", result.StepFailures))
	return nil
}

// parseAllowedIntents validates an override list. An unknown name fails the
// dispatch rather than silently widening or narrowing the set.
func parseAllowedIntents(names []string) ([]task.Intent, error) {
	if len(names) == 0 {
		return nil, nil
	}
	valid := make(map[task.Intent]bool, len(task.AllIntents))
	for _, intent := range task.AllIntents {
		valid[intent] = true
	}

	out := make([]task.Intent, 0, len(names))
	for _, name := range names {
		intent := task.Intent(strings.ToUpper(strings.TrimSpace(name)))
		if !valid[intent] {
			return nil, schemas.E(schemas.ErrCodeUnsafeAction,
				"unknown allowed action %q in override", name)
		}
		out = append(out, intent)
	}
	return out, nil
}
