// internal/action/dryrun.go
package action

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
)

// DryRunPerformer logs every resolved action instead of driving real input.
// It is the default backend; real mouse/keyboard performers implement the
// same interface.
type DryRunPerformer struct {
	logger *zap.Logger
}

// NewDryRunPerformer builds the logging performer.
func NewDryRunPerformer(logger *zap.Logger) *DryRunPerformer {
	return &DryRunPerformer{logger: logger.Named("action.dryrun")}
}

// Perform implements schemas.ActionPerformer.
func (p *DryRunPerformer) Perform(ctx context.Context, action schemas.ResolvedAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.logger.Info("DRY RUN action",
		zap.String("type", action.Type),
		zap.String("rule", action.RuleName),
		zap.String("task_id", action.TaskID),
		zap.Any("params", action.Params))
	return nil
}
