package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/berth/internal/docker"
	"github.com/dyluth/berth/internal/fault"
	"github.com/dyluth/berth/internal/git"
	"github.com/dyluth/berth/internal/history"
	"github.com/dyluth/berth/internal/logging"
	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/printer"
	"github.com/spf13/cobra"
)

var (
	buildLinkage string
	buildNoCache bool
	buildOutput  string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the daemon executable for one linkage mode",
	Long: `Build the daemon through the base → builder → compile → runner steps.

The dependency manifest is verified before any step runs. Steps whose cache
key already has an image are reused, so changing only application source
rebuilds compile and runner.

On success the executable is published at <output_dir>/<linkage>/<binary>
and the runner image is tagged <image>:<linkage>. Nothing is published when
any step fails.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildLinkage, "linkage", "", "Linkage mode: dynamic or static-musl (default from berth.yml)")
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "Rebuild every step even when cached")
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Output directory (default from berth.yml)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	// Phase 1: Configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if buildLinkage != "" {
		cfg.Build.Linkage = buildLinkage
	}
	if buildOutput != "" {
		if cfg.Build.OutputDir, err = absPath(buildOutput); err != nil {
			return fmt.Errorf("failed to resolve output directory: %w", err)
		}
	}

	linkage, err := pipeline.ParseLinkage(cfg.Build.Linkage, cfg.Build.MuslTarget)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Build.Timeout)
	defer cancel()

	// Phase 2: Manifest verification and planning (no engine calls)
	printer.Step("Verifying %s and planning %s build...\n", cfg.Build.Manifest, linkage.Mode())
	plan, err := pipeline.Prepare(cfg.Build, linkage)
	if err != nil {
		return reportBuildFailure(err)
	}
	plan.RunID = docker.GenerateRunID()
	plan.Revision = sourceRevision(cfg.Build.SourceRoot)

	logger := slog.Default().With(logging.RunID(plan.RunID), logging.Linkage(linkage.Mode()))

	// Phase 3: Engine
	cli, err := docker.NewClient(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()

	var buildOut io.Writer = io.Discard
	if verbose {
		buildOut = os.Stderr
	}

	recorder := newRecorder(cfg)
	defer flushMetrics(recorder, cfg)

	runner := &pipeline.Runner{
		Engine:  docker.NewEngine(cli, buildOut, logger),
		Logger:  logger,
		NoCache: buildNoCache,
	}
	observers := pipeline.Observers{progress{}}
	if recorder != nil {
		observers = append(observers, recorder)
	}
	runner.Observer = observers

	// Phase 4: Steps and publish
	record, err := pipeline.Execute(ctx, runner, plan, pipeline.OutputDir(cfg.Build))
	if err != nil {
		return reportBuildFailure(err)
	}
	if recorder != nil {
		recorder.BuildPublished(record)
	}
	if err := history.Append(pipeline.OutputDir(cfg.Build), record); err != nil {
		printer.Warning("Build published but not recorded in history: %v\n", err)
	}

	printer.Success("Built %s (%s)\n\n", plan.Binary, linkage.Mode())
	printer.Printf("Artifact: %s\n", record.Artifact.Path)
	printer.Printf("SHA256:   %s\n", record.Artifact.SHA256)
	printer.Printf("Size:     %d bytes\n", record.Artifact.Size)
	printer.Printf("Image:    %s\n", record.DeployImage)
	printer.Printf("Run ID:   %s\n", record.RunID)

	return nil
}

// sourceRevision returns the commit of the source tree, warning about
// uncommitted changes. Trees outside Git build without a revision.
func sourceRevision(sourceRoot string) string {
	checker, err := git.NewChecker(sourceRoot)
	if err != nil {
		if !errors.Is(err, git.ErrNotRepository) {
			slog.Warn("Failed to inspect source repository", logging.Path(sourceRoot), logging.Error(err))
		}
		return ""
	}

	if root, err := checker.Root(); err == nil {
		slog.Debug("Source tree is under Git", logging.Path(root))
	}

	revision, err := checker.Revision()
	if err != nil {
		slog.Warn("Failed to resolve source revision", logging.Error(err))
		return ""
	}

	if dirty, err := checker.GetDirtyFiles(); err == nil && dirty != "" {
		printer.Warning("Source tree has uncommitted changes; the build record names %s but the binary may differ\n\n%s\n\n", revision, dirty)
	}

	return revision
}

// progress prints one line per finished step
type progress struct{}

func (progress) StepStarted(step *pipeline.Step) {
	printer.Step("%s (%s)\n", step.Name, step.ShortKey())
}

func (progress) StepFinished(step *pipeline.Step, cached bool, elapsed time.Duration, err error) {
	switch {
	case err != nil:
		printer.Failure("%s failed after %s\n", step.Name, elapsed.Round(time.Millisecond))
	case cached:
		printer.Success("%s cached\n", step.Name)
	default:
		printer.Success("%s built in %s\n", step.Name, elapsed.Round(time.Second))
	}
}

// reportBuildFailure prints a classified build failure with operator hints
func reportBuildFailure(err error) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return err
	}

	details := map[string]string{"Stage": fe.Stage, "Kind": string(fe.Kind)}

	var suggestions []string
	switch fe.Kind {
	case fault.ManifestInconsistency:
		suggestions = []string{
			"Regenerate the lockfile with 'cargo generate-lockfile' and commit it",
			"Check that build.manifest names the lockfile of build.source_root",
		}
	case fault.CompilationFailure:
		suggestions = []string{"Rerun with --verbose to see the compiler output"}
	case fault.EnvironmentSetupFailure:
		suggestions = []string{
			"Check that the base and runtime images exist for build.platform",
			"Rerun with --verbose to see the package manager output",
		}
	}

	detail := ""
	if fe.Err != nil {
		detail = fe.Err.Error()
	}

	return printer.ErrorWithContext(
		fmt.Sprintf("build failed: %s in step %s", fe.Kind, fe.Stage),
		detail,
		details,
		suggestions,
	)
}
