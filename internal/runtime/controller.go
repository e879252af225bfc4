// internal/runtime/controller.go
package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/rules"
)

// captureConcurrency bounds the per-tick capture fan-out.
const captureConcurrency = 4

// Controller drives the monitoring loop: capture the regions the rules
// need, run the requested local analyses, hand the snapshots to the rules
// engine, sleep, repeat.
type Controller struct {
	profile      *schemas.Profile
	engine       *rules.Engine
	grabber      schemas.FrameGrabber
	analyzer     schemas.LocalAnalyzer
	interval     time.Duration
	requirements map[string]schemas.AnalysisSet
	logger       *zap.Logger
}

// NewController precomputes the per-region analysis requirements so each
// tick only runs what some rule consumes.
func NewController(profile *schemas.Profile, engine *rules.Engine, grabber schemas.FrameGrabber,
	analyzer schemas.LocalAnalyzer, defaultInterval time.Duration, logger *zap.Logger) *Controller {

	interval := defaultInterval
	if s := profile.Settings.MonitoringIntervalSeconds; s > 0 {
		interval = time.Duration(s * float64(time.Second))
	}

	return &Controller{
		profile:      profile,
		engine:       engine,
		grabber:      grabber,
		analyzer:     analyzer,
		interval:     interval,
		requirements: engine.AnalysisRequirements(),
		logger:       logger.Named("runtime.controller"),
	}
}

// Interval returns the effective tick interval.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Requirements exposes the precomputed analysis plan, used by the check
// command's report.
func (c *Controller) Requirements() map[string]schemas.AnalysisSet {
	return c.requirements
}

// Run ticks until the context ends. The first tick fires immediately.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Monitoring started",
		zap.Duration("interval", c.interval),
		zap.Int("regions", len(c.requirements)),
		zap.Int("rules", len(c.profile.Rules)))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.RunOnce(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("Monitoring stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single tick. Capture or analysis failures skip the
// affected region; the tick always reaches the rules engine.
func (c *Controller) RunOnce(ctx context.Context) {
	start := time.Now()
	snapshots := c.captureTick(ctx)
	if ctx.Err() != nil {
		return
	}
	matched := c.engine.EvaluateTick(ctx, snapshots)
	c.logger.Debug("Tick complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("regions_captured", len(snapshots)),
		zap.Int("rules_matched", matched))
}

func (c *Controller) captureTick(ctx context.Context) map[string]*schemas.RegionSnapshot {
	var mu sync.Mutex
	snapshots := make(map[string]*schemas.RegionSnapshot, len(c.requirements))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(captureConcurrency)

	for name, want := range c.requirements {
		region, ok := c.profile.RegionByName(name)
		if !ok {
			// Validation makes this unreachable; belt and braces for tests
			// that assemble profiles by hand.
			c.logger.Error("Requirement references unknown region", zap.String("region", name))
			continue
		}
		want := want
		g.Go(func() error {
			frame, err := c.grabber.Capture(gctx, region)
			if err != nil {
				c.logger.Warn("Region capture failed, skipping for this tick",
					zap.String("region", region.Name), zap.Error(err))
				return nil
			}
			snapshot, err := c.analyzer.Analyze(gctx, frame, want)
			if err != nil {
				c.logger.Warn("Region analysis failed, skipping for this tick",
					zap.String("region", region.Name), zap.Error(err))
				return nil
			}
			mu.Lock()
			snapshots[region.Name] = snapshot
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snapshots
}
