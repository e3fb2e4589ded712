package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dyluth/berth/internal/config"
	"github.com/dyluth/berth/internal/printer"
	"github.com/dyluth/berth/internal/provision"
	"github.com/spf13/cobra"
)

var provisionFamilies []string

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create and secure the socket volume of every service family",
	Long: `Create the socket volume of each service family, apply its access
control list and assign its ownership.

Families are provisioned independently: a failure in one is reported and
the others still run. Running again on a provisioned host changes nothing.

Examples:
  berth provision
  berth provision --family bitcoin`,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().StringSliceVar(&provisionFamilies, "family", nil, "Provision only the named families (repeatable)")
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	families, err := selectFamilies(cfg, provisionFamilies)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locker, closeLocker, err := newLocker(ctx, cfg.Provision.Lock)
	if err != nil {
		return printer.Error(
			"cannot reach the lock store",
			err.Error(),
			[]string{"Check lock.redis_addr in berth.yml, or remove it to use lock files"},
		)
	}
	defer closeLocker()

	p := provision.New(cfg.Provision, locker, slog.Default())

	recorder := newRecorder(cfg)
	if recorder != nil {
		p.Observer = recorder
	}
	defer flushMetrics(recorder, cfg)

	printer.Step("Provisioning %d families in pool %s...\n\n", len(families), cfg.Provision.Pool)
	results := p.Provision(ctx, families)

	if err := printer.Table(os.Stdout, []string{"Family", "Dataset", "Outcome", "Changes", "Stage", "Error"}, resultRows(results)); err != nil {
		return err
	}
	printer.Println()

	if err := provision.Failures(results); err != nil {
		return printer.Error(
			fmt.Sprintf("%d of %d families failed", countFailed(results), len(results)),
			err.Error(),
			failureSuggestions(cfg, results),
		)
	}

	printer.Success("All families provisioned\n")
	return nil
}

func resultRows(results []provision.Result) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		outcome := string(r.Outcome)
		if r.Incomplete {
			outcome += " (incomplete)"
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		rows = append(rows, []string{r.Family, r.Dataset, outcome, strings.Join(r.Changes, ", "), r.Stage, errText})
	}
	return rows
}

func countFailed(results []provision.Result) int {
	n := 0
	for _, r := range results {
		if r.Outcome == provision.OutcomeFailed {
			n++
		}
	}
	return n
}

func failureSuggestions(cfg *config.BerthConfig, results []provision.Result) []string {
	var suggestions []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			suggestions = append(suggestions, s)
		}
	}

	for _, r := range results {
		switch r.Stage {
		case provision.StageLock:
			add("Wait for the other provisioning run to finish, then retry")
		case provision.StageVolume:
			add(fmt.Sprintf("Inspect the conflicting datasets with 'zfs list -r %s'", cfg.Provision.Pool))
		case provision.StageACL, provision.StageOwnership:
			add("Check that every owner and consumer account exists on this host, then retry")
		}
	}
	return suggestions
}
