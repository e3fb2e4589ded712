package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dyluth/berth/internal/printer"
	"github.com/dyluth/berth/internal/provision"
	"github.com/spf13/cobra"
)

var statusFamilies []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report drift of the socket volumes without changing anything",
	Long: `Inspect the socket volume, access control list and ownership of each
service family and report how they differ from the configuration.

Nothing is written. Exits non-zero when any family has drifted.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusFamilies, "family", nil, "Inspect only the named families (repeatable)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	families, err := selectFamilies(cfg, statusFamilies)
	if err != nil {
		return err
	}

	p := provision.New(cfg.Provision, nil, slog.Default())
	statuses := p.Status(context.Background(), families)

	rows := make([][]string, 0, len(statuses))
	drifted := 0
	for _, s := range statuses {
		detail := strings.Join(s.Drift, "; ")
		if s.Err != nil {
			detail = s.Err.Error()
		}
		if !s.InSync() {
			drifted++
		}
		state := s.State
		if state == "" {
			state = "-"
		}
		rows = append(rows, []string{s.Family, s.Dataset, state, detail})
	}

	if err := printer.Table(os.Stdout, []string{"Family", "Dataset", "State", "Drift"}, rows); err != nil {
		return err
	}
	printer.Println()

	if drifted > 0 {
		return printer.Error(
			fmt.Sprintf("%d of %d families out of sync", drifted, len(statuses)),
			"",
			[]string{"Run 'berth provision' to repair them"},
		)
	}

	printer.Success("All families in sync\n")
	return nil
}
