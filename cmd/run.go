// -- cmd/run.go --
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/action"
	"github.com/kestrelbyte/vigil-cli/internal/analysis"
	"github.com/kestrelbyte/vigil-cli/internal/capture"
	"github.com/kestrelbyte/vigil-cli/internal/config"
	"github.com/kestrelbyte/vigil-cli/internal/dispatch"
	"github.com/kestrelbyte/vigil-cli/internal/observability"
	"github.com/kestrelbyte/vigil-cli/internal/rules"
	"github.com/kestrelbyte/vigil-cli/internal/runtime"
	"github.com/kestrelbyte/vigil-cli/internal/task"
	"github.com/kestrelbyte/vigil-cli/internal/vision"
)

func newRunCommand() *cobra.Command {
	var profilePath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor the profile's regions and execute matching rules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), profilePath)
		},
	}

	runCmd.Flags().StringVarP(&profilePath, "profile", "p", "", "path to the monitoring profile (required)")
	_ = runCmd.MarkFlagRequired("profile")
	return runCmd
}

func runMonitor(ctx context.Context, profilePath string) error {
	logger := observability.GetLogger()
	cfg := appConfig

	profile, err := config.LoadProfile(profilePath)
	if err != nil {
		return err
	}
	logger.Info("Profile loaded",
		zap.String("profile", profile.Name),
		zap.Int("regions", len(profile.Regions)),
		zap.Int("rules", len(profile.Rules)))

	// The vision backend is optional: without a key, AI-backed conditions
	// and tasks fail at evaluation time, local rules keep working.
	var querier schemas.VisionQuerier
	if cfg.Gemini.APIKey != "" {
		client, err := vision.NewGeminiClient(cfg.Gemini, logger)
		if err != nil {
			return err
		}
		querier = client
	} else {
		logger.Warn("No Gemini API key configured; AI-backed conditions and tasks will fail until one is set")
	}

	model := profile.Settings.GeminiDefaultModelName
	if model == "" {
		model = cfg.Gemini.DefaultModel
	}

	grabber := capture.NewScreenGrabber(logger)
	analyzer := analysis.NewAnalyzer(logger, analysis.WithDominantK(profile.Settings.AnalysisDominantColorsK))
	templates := rules.NewTemplateStore(profile.BasePath)
	registry := rules.NewRegistry(rules.RegistryDeps{
		Analyzer:     analyzer,
		Templates:    templates,
		Vision:       querier,
		DefaultModel: model,
		Logger:       logger,
	})

	manager := runtime.NewManager(logger)
	capturer := runtime.NewRegionCapturer(profile, grabber)
	performer := action.NewDryRunPerformer(logger)
	if !cfg.Action.DryRun {
		logger.Warn("No real input backend is built in; falling back to dry-run actions")
	}

	planner := task.NewGeminiPlanner(querier, model, cfg.Task.MaxPlanDepth, logger)
	refiner := task.NewTargetRefiner(querier, model, logger)
	executors := task.NewExecutorRegistry(task.ExecutorDeps{
		Refiner:   refiner,
		Performer: performer,
		Vision:    querier,
		Model:     model,
		Logger:    logger,
	})
	orchestrator := task.NewOrchestrator(planner, executors, capturer, manager, querier, model, task.Options{
		BlockingTimeout:     cfg.Monitor.BlockingTimeout,
		ConfirmationTimeout: cfg.Monitor.ConfirmationTimeout,
		DefaultMaxSteps:     cfg.Task.DefaultMaxSteps,
	}, logger)

	dispatcher := dispatch.NewDispatcher(performer, orchestrator, logger)
	engine := rules.NewEngine(profile, registry, dispatcher, logger)
	controller := runtime.NewController(profile, engine, grabber, analyzer, cfg.Monitor.DefaultInterval, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(gctx)
	})
	g.Go(func() error {
		answerConfirmations(gctx, manager)
		return nil
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// answerConfirmations bridges pending task confirmations to the terminal.
func answerConfirmations(ctx context.Context, manager *runtime.Manager) {
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case prompt := <-manager.Prompts():
			fmt.Printf("\nConfirm step: %s\n[y]es / [n]o / [c]ancel task > ", prompt.Prompt)
			line, err := reader.ReadString('\n')
			if err != nil {
				prompt.Response <- schemas.ConfirmationCancel
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				prompt.Response <- schemas.ConfirmationAccept
			case "n", "no":
				prompt.Response <- schemas.ConfirmationReject
			default:
				manager.RequestCancel()
				prompt.Response <- schemas.ConfirmationCancel
			}
		}
	}
}
