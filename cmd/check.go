// -- cmd/check.go --
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kestrelbyte/vigil-cli/api/schemas"
	"github.com/kestrelbyte/vigil-cli/internal/config"
	"github.com/kestrelbyte/vigil-cli/internal/observability"
	"github.com/kestrelbyte/vigil-cli/internal/rules"
)

func newCheckCommand() *cobra.Command {
	var profilePath string

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a profile and report what each tick would analyze.",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := config.LoadProfile(profilePath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprint(out, config.DescribeProfile(profile))

			// A registry without backends is enough to derive the analysis
			// plan; nothing is captured or executed here.
			logger := observability.GetLogger()
			registry := rules.NewRegistry(rules.RegistryDeps{Logger: logger})
			engine := rules.NewEngine(profile, registry, nil, logger)

			requirements := engine.AnalysisRequirements()
			names := make([]string, 0, len(requirements))
			for name := range requirements {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Fprintf(out, "\nPer-tick analysis plan (%d region(s)):\n", len(names))
			for _, name := range names {
				fmt.Fprintf(out, "  %-20s %s\n", name, describeSet(requirements[name]))
			}
			fmt.Fprintln(out, "\nProfile OK.")
			return nil
		},
	}

	checkCmd.Flags().StringVarP(&profilePath, "profile", "p", "", "path to the monitoring profile (required)")
	_ = checkCmd.MarkFlagRequired("profile")
	return checkCmd
}

func describeSet(set schemas.AnalysisSet) string {
	if !set.Any() {
		return "capture only"
	}
	parts := make([]string, 0, 3)
	if set.AverageColor {
		parts = append(parts, "average color")
	}
	if set.DominantColors {
		parts = append(parts, "dominant colors")
	}
	if set.OCR {
		parts = append(parts, "ocr")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
