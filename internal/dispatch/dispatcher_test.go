// internal/dispatch/dispatcher_test.go
package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/rules"
	"github.com/kestrelbyte/vigil-cli/internal/task"
)

type recordingPerformer struct {
	actions []schemas.ResolvedAction
}

func (p *recordingPerformer) Perform(_ context.Context, action schemas.ResolvedAction) error {
	p.actions = append(p.actions, action)
	return nil
}

type recordingTaskRunner struct {
	requests []task.Request
	result   *task.Result
	err      error
}

func (r *recordingTaskRunner) Execute(_ context.Context, req task.Request) (*task.Result, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &task.Result{TaskID: "t1", FinalState: task.StateCompleted}, nil
}

func TestDispatchPlainActionGoesToPerformer(t *testing.T) {
	performer := &recordingPerformer{}
	tasks := &recordingTaskRunner{}
	d := NewDispatcher(performer, tasks, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), rules.DispatchRequest{
		RuleName: "notify",
		Action: schemas.ActionSpec{
			Type:   "log_message",
			Params: map[string]any{"message": "cpu is hot", "level": "warn"},
		},
	})
	require.NoError(t, err)
	require.Len(t, performer.actions, 1)
	assert.Empty(t, tasks.requests)

	action := performer.actions[0]
	assert.Equal(t, "log_message", action.Type)
	assert.Equal(t, "notify", action.RuleName)
	assert.Equal(t, "cpu is hot", action.Params["message"])
}

func TestDispatchTaskActionGoesToOrchestrator(t *testing.T) {
	performer := &recordingPerformer{}
	tasks := &recordingTaskRunner{}
	d := NewDispatcher(performer, tasks, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), rules.DispatchRequest{
		RuleName: "handle dialog",
		Action: schemas.ActionSpec{
			Type: schemas.ActionTypeTask,
			Params: map[string]any{
				"natural_language_command":      "close the popup and retry",
				"context_region_names":          []any{"main", "sidebar"},
				"allowed_actions_override":      "CLICK_DESCRIBED_ELEMENT, PRESS_KEY_SIMPLE",
				"require_confirmation_per_step": true,
				"max_steps":                     float64(4),
			},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, performer.actions)
	require.Len(t, tasks.requests, 1)

	req := tasks.requests[0]
	assert.Equal(t, "close the popup and retry", req.Command)
	assert.Equal(t, []string{"main", "sidebar"}, req.ContextRegions)
	assert.Equal(t, []task.Intent{task.IntentClick, task.IntentPress}, req.AllowedIntents)
	assert.True(t, req.RequireConfirmation)
	assert.Equal(t, 4, req.MaxSteps)
}

func TestDispatchTaskWithoutCommand(t *testing.T) {
	tasks := &recordingTaskRunner{}
	d := NewDispatcher(&recordingPerformer{}, tasks, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), rules.DispatchRequest{
		RuleName: "broken",
		Action:   schemas.ActionSpec{Type: schemas.ActionTypeTask, Params: map[string]any{}},
	})
	require.Error(t, err)
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeConfig))
	assert.Empty(t, tasks.requests)
}

func TestDispatchTaskUnknownAllowedActionFailsClosed(t *testing.T) {
	tasks := &recordingTaskRunner{}
	d := NewDispatcher(&recordingPerformer{}, tasks, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), rules.DispatchRequest{
		RuleName: "typo",
		Action: schemas.ActionSpec{
			Type: schemas.ActionTypeTask,
			Params: map[string]any{
				"natural_language_command": "do the thing",
				"allowed_actions_override": []any{"CLICK_DESCRIBED_ELEMENT", "LAUNCH_MISSILES"},
			},
		},
	})
	require.Error(t, err)
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeUnsafeAction))
	assert.Empty(t, tasks.requests, "an invalid override must never reach the orchestrator")
}

func TestDispatchTaskPropagatesExecutionError(t *testing.T) {
	execErr := schemas.E(schemas.ErrCodeStepLimit, "budget exhausted")
	tasks := &recordingTaskRunner{err: execErr}
	d := NewDispatcher(&recordingPerformer{}, tasks, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), rules.DispatchRequest{
		RuleName: "long task",
		Action: schemas.ActionSpec{
			Type:   schemas.ActionTypeTask,
			Params: map[string]any{"natural_language_command": "do many things"},
		},
	})
	assert.True(t, schemas.HasCode(err, schemas.ErrCodeStepLimit))
}

func TestParseAllowedIntentsNormalizesCase(t *testing.T) {
	intents, err := parseAllowedIntents([]string{" click_described_element ", "CHECK_VISUAL_STATE"})
	require.NoError(t, err)
	assert.Equal(t, []task.Intent{task.IntentClick, task.IntentCheck}, intents)

	intents, err = parseAllowedIntents(nil)
	require.NoError(t, err)
	assert.Nil(t, intents)
}
