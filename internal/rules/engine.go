// internal/rules/engine.go
package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// DispatchRequest is a matched rule's action with every placeholder already
// resolved.
type DispatchRequest struct {
	RuleName string
	Action   schemas.ActionSpec
}

// Dispatcher receives actions from matched rules. Dispatch errors are logged
// and never stop the tick.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Engine evaluates the profile's rules against one tick's snapshots. Rules
// run strictly in list order; each gets a fresh variable context, and a
// failing rule never prevents later rules from running.
type Engine struct {
	profile    *schemas.Profile
	registry   *Registry
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewEngine builds the per-profile rules engine.
func NewEngine(profile *schemas.Profile, registry *Registry, dispatcher Dispatcher, logger *zap.Logger) *Engine {
	return &Engine{
		profile:    profile,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger.Named("rules.engine"),
	}
}

// AnalysisRequirements derives, per region, which analyses some rule in the
// profile actually consumes. Regions referenced only by analysis-free
// conditions still appear, with an empty set, so the controller captures
// their frames.
func (e *Engine) AnalysisRequirements() map[string]schemas.AnalysisSet {
	out := make(map[string]schemas.AnalysisSet)
	for i := range e.profile.Rules {
		rule := &e.profile.Rules[i]
		e.collectRequirements(rule, &rule.Condition, out)
	}
	return out
}

func (e *Engine) collectRequirements(rule *schemas.RuleSpec, cond *schemas.ConditionSpec, out map[string]schemas.AnalysisSet) {
	if cond.IsCompound() {
		for i := range cond.SubConditions {
			e.collectRequirements(rule, &cond.SubConditions[i], out)
		}
		return
	}
	region := cond.Region
	if region == "" {
		region = rule.Region
	}
	if region == "" {
		return
	}
	set := out[region]
	set.Merge(e.registry.RequirementsFor(cond.Type))
	out[region] = set
}

// EvaluateTick runs every rule against the tick's snapshots and dispatches
// the actions of the ones that matched. Returns how many rules matched.
func (e *Engine) EvaluateTick(ctx context.Context, snapshots map[string]*schemas.RegionSnapshot) int {
	matched := 0
	for i := range e.profile.Rules {
		if ctx.Err() != nil {
			e.logger.Info("Tick aborted by cancellation", zap.Int("rules_done", i))
			return matched
		}
		rule := &e.profile.Rules[i]

		// Captures never leak between rules or ticks.
		vars := make(VariableContext)
		if !e.evaluateNode(ctx, rule, &rule.Condition, snapshots, vars) {
			continue
		}
		matched++
		e.logger.Debug("Rule matched", zap.String("rule", rule.Name))

		resolved, err := SubstituteParams(rule.Action.Params, vars)
		if err != nil {
			// A half-resolved action must never reach the dispatcher.
			e.logger.Error("Action blocked by substitution failure",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}

		req := DispatchRequest{
			RuleName: rule.Name,
			Action:   schemas.ActionSpec{Type: rule.Action.Type, Params: resolved},
		}
		if err := e.dispatcher.Dispatch(ctx, req); err != nil {
			e.logger.Error("Action dispatch failed",
				zap.String("rule", rule.Name),
				zap.String("action", rule.Action.Type),
				zap.Error(err))
		}
	}
	return matched
}

// evaluateNode walks the condition tree with strict in-order
// short-circuiting: once an AND child fails or an OR child succeeds, later
// children are not evaluated and produce no captures.
func (e *Engine) evaluateNode(ctx context.Context, rule *schemas.RuleSpec, cond *schemas.ConditionSpec,
	snapshots map[string]*schemas.RegionSnapshot, vars VariableContext) bool {

	if cond.IsCompound() {
		switch cond.Operator {
		case schemas.OperatorAnd:
			for i := range cond.SubConditions {
				if !e.evaluateNode(ctx, rule, &cond.SubConditions[i], snapshots, vars) {
					return false
				}
			}
			return true
		case schemas.OperatorOr:
			for i := range cond.SubConditions {
				if e.evaluateNode(ctx, rule, &cond.SubConditions[i], snapshots, vars) {
					return true
				}
			}
			return false
		default:
			e.logger.Error("Unknown logical operator",
				zap.String("rule", rule.Name), zap.String("operator", cond.Operator))
			return false
		}
	}

	region := cond.Region
	if region == "" {
		region = rule.Region
	}
	snapshot, ok := snapshots[region]
	if !ok || snapshot == nil {
		e.logger.Warn("No snapshot for region, condition fails",
			zap.String("rule", rule.Name), zap.String("region", region))
		return false
	}

	evaluator, ok := e.registry.Get(cond.Type)
	if !ok {
		e.logger.Error("Unknown condition type",
			zap.String("rule", rule.Name), zap.String("type", cond.Type))
		return false
	}

	outcome, err := evaluator.Evaluate(ctx, EvalInput{
		Rule:      rule,
		Condition: cond,
		Snapshot:  snapshot,
		Vars:      vars,
	})
	if err != nil {
		// Evaluation errors fail the condition, not the tick.
		e.logger.Warn("Condition evaluation error",
			zap.String("rule", rule.Name),
			zap.String("type", cond.Type),
			zap.Error(err))
		return false
	}

	// Captures happen on match only; a failed condition leaves no trace.
	if outcome.Matched && cond.CaptureAs != "" {
		vars[cond.CaptureAs] = schemas.CapturedValue{
			Value:        outcome.Captured,
			SourceRegion: region,
		}
	}
	return outcome.Matched
}
