package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/printer"
	"github.com/spf13/cobra"
)

var (
	planLinkage     string
	planDockerfiles bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the build steps and their cache keys",
	Long: `Verify the dependency manifest and show the build steps for a linkage mode.

Nothing is built and the container engine is not contacted. A step whose key
is unchanged since the last build will be served from cache.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planLinkage, "linkage", "", "Linkage mode: dynamic or static-musl (default from berth.yml)")
	planCmd.Flags().BoolVar(&planDockerfiles, "dockerfiles", false, "Print the rendered Dockerfile of every step")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if planLinkage != "" {
		cfg.Build.Linkage = planLinkage
	}
	linkage, err := pipeline.ParseLinkage(cfg.Build.Linkage, cfg.Build.MuslTarget)
	if err != nil {
		return err
	}

	plan, err := pipeline.Prepare(cfg.Build, linkage)
	if err != nil {
		return reportBuildFailure(err)
	}

	rows := make([][]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		rows = append(rows, []string{string(step.Name), step.ShortKey(), step.From, step.Tag})
	}
	if err := printer.Table(os.Stdout, []string{"Step", "Key", "From", "Tag"}, rows); err != nil {
		return err
	}

	printer.Println()
	printer.Printf("Linkage:  %s\n", linkage.Mode())
	printer.Printf("Lockfile: %d packages (sha256 %s)\n", len(plan.Lockfile.Packages), plan.Lockfile.Digest[:16])
	printer.Printf("Source:   %d files (sha256 %s)\n", len(plan.Source.Files), plan.Source.Digest[:16])
	printer.Printf("Artifact: %s\n", pipeline.OutputPath(pipeline.OutputDir(cfg.Build), linkage, plan.Binary))
	printer.Printf("Deploy:   %s\n", plan.DeployTag())

	if planDockerfiles {
		for _, step := range plan.Steps {
			printer.Println()
			printer.Step("%s\n", step.Name)
			fmt.Print(step.Dockerfile())
		}
	}

	return nil
}
