// internal/rules/engine_test.go
package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// probeEvaluator records every evaluation so tests can observe whether
// short-circuiting really skipped it.
type probeEvaluator struct {
	mu      sync.Mutex
	calls   int
	regions []string

	matched  bool
	captured any
	err      error
}

func (p *probeEvaluator) Evaluate(_ context.Context, in EvalInput) (Outcome, error) {
	p.mu.Lock()
	p.calls++
	p.regions = append(p.regions, in.Snapshot.Frame.Region)
	p.mu.Unlock()
	if p.err != nil {
		return Outcome{}, p.err
	}
	return Outcome{Matched: p.matched, Captured: p.captured}, nil
}

func (p *probeEvaluator) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.err
}

func (d *recordingDispatcher) dispatched() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.requests...)
}

func newTestRegistry(t *testing.T, evaluators map[string]Evaluator) *Registry {
	t.Helper()
	r := NewRegistry(RegistryDeps{Logger: zaptest.NewLogger(t)})
	for kind, e := range evaluators {
		r.register(e, schemas.AnalysisSet{}, kind)
	}
	return r
}

func testSnapshots(regions ...string) map[string]*schemas.RegionSnapshot {
	out := make(map[string]*schemas.RegionSnapshot, len(regions))
	for _, name := range regions {
		out[name] = &schemas.RegionSnapshot{Frame: &schemas.Frame{Region: name}}
	}
	return out
}

func leaf(kind, region, captureAs string) schemas.ConditionSpec {
	return schemas.ConditionSpec{Type: kind, Region: region, CaptureAs: captureAs, Params: map[string]any{}}
}

func compound(op string, subs ...schemas.ConditionSpec) schemas.ConditionSpec {
	return schemas.ConditionSpec{Operator: op, SubConditions: subs}
}

func newTestEngine(t *testing.T, rules []schemas.RuleSpec, reg *Registry, d Dispatcher) *Engine {
	t.Helper()
	profile := &schemas.Profile{
		Regions: []schemas.Region{
			{Name: "a", Bounds: schemas.Rect{Width: 10, Height: 10}},
			{Name: "b", Bounds: schemas.Rect{Width: 10, Height: 10}},
		},
		Rules: rules,
	}
	return NewEngine(profile, reg, d, zaptest.NewLogger(t))
}

func TestEvaluateTick_ANDShortCircuit(t *testing.T) {
	skipped := &probeEvaluator{matched: true}
	failing := &probeEvaluator{matched: false}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(failing, schemas.AnalysisSet{}, "fails")
	reg.register(skipped, schemas.AnalysisSet{}, "later")

	rule := schemas.RuleSpec{
		Name:      "and_rule",
		Region:    "a",
		Condition: compound(schemas.OperatorAnd, leaf("fails", "", ""), leaf("later", "", "")),
		Action:    schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, []schemas.RuleSpec{rule}, reg, d)

	matched := engine.EvaluateTick(context.Background(), testSnapshots("a"))

	assert.Zero(t, matched)
	assert.Equal(t, 1, failing.callCount())
	assert.Zero(t, skipped.callCount(), "AND must not evaluate children after a failure")
	assert.Empty(t, d.dispatched())
}

func TestEvaluateTick_ORShortCircuit(t *testing.T) {
	first := &probeEvaluator{matched: true, captured: "early"}
	skipped := &probeEvaluator{matched: true, captured: "late"}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(first, schemas.AnalysisSet{}, "first")
	reg.register(skipped, schemas.AnalysisSet{}, "second")

	rule := schemas.RuleSpec{
		Name:      "or_rule",
		Region:    "a",
		Condition: compound(schemas.OperatorOr, leaf("first", "", "v"), leaf("second", "", "w")),
		Action: schemas.ActionSpec{Type: "log_message", Params: map[string]any{
			"message": "got {v}",
		}},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, []schemas.RuleSpec{rule}, reg, d)

	matched := engine.EvaluateTick(context.Background(), testSnapshots("a"))

	assert.Equal(t, 1, matched)
	assert.Zero(t, skipped.callCount(), "OR must not evaluate children after a success")
	require.Len(t, d.dispatched(), 1)
	assert.Equal(t, "got early", d.dispatched()[0].Action.Params["message"])
}

func TestEvaluateTick_CaptureOnlyOnMatch(t *testing.T) {
	// First branch fails but declares a capture; second matches. The action
	// references the failed branch's capture, so dispatch must be blocked.
	failing := &probeEvaluator{matched: false, captured: "should_not_exist"}
	passing := &probeEvaluator{matched: true}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(failing, schemas.AnalysisSet{}, "failing")
	reg.register(passing, schemas.AnalysisSet{}, "passing")

	rule := schemas.RuleSpec{
		Name:      "capture_rule",
		Region:    "a",
		Condition: compound(schemas.OperatorOr, leaf("failing", "", "cap"), leaf("passing", "", "")),
		Action: schemas.ActionSpec{Type: "log_message", Params: map[string]any{
			"message": "value: {cap}",
		}},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, []schemas.RuleSpec{rule}, reg, d)

	matched := engine.EvaluateTick(context.Background(), testSnapshots("a"))

	assert.Equal(t, 1, matched, "the rule itself matched via the second branch")
	assert.Empty(t, d.dispatched(), "unresolved placeholder must block dispatch")
}

func TestEvaluateTick_RuleFailureDoesNotStopTick(t *testing.T) {
	broken := &probeEvaluator{err: errors.New("analyzer exploded")}
	healthy := &probeEvaluator{matched: true}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(broken, schemas.AnalysisSet{}, "broken")
	reg.register(healthy, schemas.AnalysisSet{}, "healthy")

	rules := []schemas.RuleSpec{
		{
			Name: "first_rule", Region: "a",
			Condition: leaf("broken", "", ""),
			Action:    schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
		},
		{
			Name: "second_rule", Region: "a",
			Condition: leaf("healthy", "", ""),
			Action:    schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
		},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, rules, reg, d)

	matched := engine.EvaluateTick(context.Background(), testSnapshots("a"))

	assert.Equal(t, 1, matched)
	require.Len(t, d.dispatched(), 1)
	assert.Equal(t, "second_rule", d.dispatched()[0].RuleName)
}

func TestEvaluateTick_RegionOverride(t *testing.T) {
	probe := &probeEvaluator{matched: true}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(probe, schemas.AnalysisSet{}, "probe")

	rule := schemas.RuleSpec{
		Name:   "override_rule",
		Region: "a",
		Condition: compound(schemas.OperatorAnd,
			leaf("probe", "", ""),  // rule default region "a"
			leaf("probe", "b", "")), // explicit override
		Action: schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, []schemas.RuleSpec{rule}, reg, d)

	engine.EvaluateTick(context.Background(), testSnapshots("a", "b"))

	assert.Equal(t, []string{"a", "b"}, probe.regions)
}

func TestEvaluateTick_MissingSnapshotFailsCondition(t *testing.T) {
	probe := &probeEvaluator{matched: true}
	reg := newTestRegistry(t, map[string]Evaluator{})
	reg.register(probe, schemas.AnalysisSet{}, "probe")

	rule := schemas.RuleSpec{
		Name: "no_snapshot", Region: "a",
		Condition: leaf("probe", "", ""),
		Action:    schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
	}
	d := &recordingDispatcher{}
	engine := newTestEngine(t, []schemas.RuleSpec{rule}, reg, d)

	matched := engine.EvaluateTick(context.Background(), map[string]*schemas.RegionSnapshot{})

	assert.Zero(t, matched)
	assert.Zero(t, probe.callCount())
}

func TestAnalysisRequirements(t *testing.T) {
	reg := NewRegistry(RegistryDeps{Logger: zaptest.NewLogger(t)})
	rules := []schemas.RuleSpec{
		{
			Name: "ocr_rule", Region: "a",
			Condition: schemas.ConditionSpec{Type: KindOCRContains, Params: map[string]any{}},
			Action:    schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
		},
		{
			Name: "mixed_rule", Region: "a",
			Condition: compound(schemas.OperatorAnd,
				schemas.ConditionSpec{Type: KindAverageColor, Region: "b", Params: map[string]any{}},
				schemas.ConditionSpec{Type: KindPixelColor, Region: "c", Params: map[string]any{}},
			),
			Action: schemas.ActionSpec{Type: "log_message", Params: map[string]any{}},
		},
	}
	profile := &schemas.Profile{Rules: rules}
	engine := NewEngine(profile, reg, &recordingDispatcher{}, zaptest.NewLogger(t))

	reqs := engine.AnalysisRequirements()

	require.Len(t, reqs, 3)
	assert.True(t, reqs["a"].OCR)
	assert.False(t, reqs["a"].AverageColor)
	assert.True(t, reqs["b"].AverageColor)
	assert.False(t, reqs["c"].Any(), "pixel_color needs the frame only")
}
