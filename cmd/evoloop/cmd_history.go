package main

import (
	"encoding/json"
	"fmt"

	"evoloop/internal/store"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

// historyCmd reads the durable audit trail; it works without a running
// pipeline or a reachable Docker daemon.
var historyCmd = &cobra.Command{
	Use:   "history [request-id]",
	Short: "Show recorded evolution outcomes",
	Long: `Lists recorded outcomes most recent first, or shows the full record for
one request id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate evolution counts",
	RunE:  runStats,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum entries to show (0 = configured default)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print records as JSON")
}

func openAuditStore() (*store.AuditStore, error) {
	if !cfg.Audit.Enabled {
		return nil, fmt.Errorf("audit trail is disabled in the configuration")
	}
	return store.NewAuditStore(cfg.Audit.DatabasePath)
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := openAuditStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 1 {
		result, err := s.Get(args[0])
		if err != nil {
			return err
		}
		printEvolutionResult(result, historyJSON)
		return nil
	}

	limit := historyLimit
	if limit <= 0 {
		limit = cfg.Controller.HistoryLimit
	}
	results, err := s.List(limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No recorded evolutions.")
		return nil
	}

	if historyJSON {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	for _, r := range results {
		outcome := "failed"
		switch {
		case r.Applied:
			outcome = "applied"
		case r.Rejected:
			outcome = "rejected"
		case r.Success:
			outcome = "pending"
		}
		fmt.Printf("%s  %-20s  %-18s  %-8s  %s\n",
			r.Timestamp.Format("2006-01-02 15:04:05"),
			r.Kind, r.Approval, outcome, r.RequestID)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openAuditStore()
	if err != nil {
		return err
	}
	defer s.Close()

	counts, err := s.CountsByOutcome()
	if err != nil {
		return err
	}
	fmt.Printf("total:     %d\n", counts.Total)
	fmt.Printf("succeeded: %d\n", counts.Succeeded)
	fmt.Printf("failed:    %d\n", counts.Failed)
	fmt.Printf("applied:   %d\n", counts.Applied)
	return nil
}
