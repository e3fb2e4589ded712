package commands

import (
	"errors"
	"os"
	"time"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/history"
	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/printer"
	"github.com/dyluth/berth/internal/timespec"
	"github.com/spf13/cobra"
)

var (
	historySince    string
	historyUntil    string
	historyLinkage  string
	historyRevision string
	historyOutput   string
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List published builds",
	Long: `List the builds published into the output directory, oldest first.

With a run ID or a unique prefix of one, print that build's full record as JSON.

Examples:
  berth history
  berth history --since 24h --linkage static-musl
  berth history --output jsonl | jq .artifact.sha256
  berth history 0b5c6f2e`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only builds finished after this time (duration like 24h or RFC3339)")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "Only builds finished before this time")
	historyCmd.Flags().StringVar(&historyLinkage, "linkage", "", "Only builds of this linkage mode")
	historyCmd.Flags().StringVar(&historyRevision, "revision", "", "Only builds of revisions starting with this prefix")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	records, err := history.Load(pipeline.OutputDir(cfg.Build))
	if err != nil {
		return err
	}

	if len(args) == 1 {
		rec, err := history.Find(records, args[0])
		if err != nil {
			var ambiguous *history.AmbiguousError
			if errors.As(err, &ambiguous) {
				return printer.Error(
					"ambiguous run ID",
					history.FormatAmbiguous(ambiguous),
					[]string{"Use a longer prefix to identify the build"},
				)
			}
			if history.IsNotFound(err) {
				return printer.Error(
					"build not found",
					err.Error(),
					[]string{"List recorded builds with 'berth history'"},
				)
			}
			return err
		}
		return history.FormatSingleJSON(os.Stdout, rec)
	}

	now := time.Now()
	since, until, err := timespec.ParseRange(historySince, historyUntil, now)
	if err != nil {
		return err
	}

	if historyLinkage != "" && historyLinkage != config.LinkageDynamic && historyLinkage != config.LinkageStaticMusl {
		return printer.Error(
			"invalid --linkage",
			historyLinkage,
			[]string{"Use 'dynamic' or 'static-musl'"},
		)
	}

	criteria := &history.Criteria{
		Since:    since,
		Until:    until,
		Linkage:  historyLinkage,
		Revision: historyRevision,
	}

	return history.Write(os.Stdout, history.Select(records, criteria), history.OutputFormat(historyOutput), now)
}
