package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/hongkongkiwi/retrygo/internal/config"
	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/persistence"
	"github.com/hongkongkiwi/retrygo/recovery/persistence/memory"
	"github.com/hongkongkiwi/retrygo/recovery/persistence/sql"
)

// jobsCmd manages recovery records in the configured persistence backend:
// listing in-flight/terminal operations, inspecting one, and purging old
// or unwanted records. The in-memory backend only sees records written by
// the current process; a postgres-backed deployment is where this command
// earns its keep across process restarts.
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage recorded recovery operations",
	Long: `Inspect and manage the recovery records a wrapped operation leaves
behind in the configured persistence backend.

Available subcommands:
  list    - list recovery records, optionally filtered by state
  show    - show one record's full detail, including its attempt history
  stats   - aggregate statistics across all recorded operations
  purge   - delete a record and its subordinate attempt/error-log entries
  cleanup - delete records older than a given age (cascade)`,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsPurgeCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)

	jobsListCmd.Flags().String("state", "", "Filter by state: pending, in_progress, recovering, success, failed, exhausted")
	jobsListCmd.Flags().String("output", "text", "Output format: text or json")

	jobsShowCmd.Flags().String("output", "text", "Output format: text or json")

	jobsStatsCmd.Flags().String("output", "text", "Output format: text or json")

	jobsPurgeCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	jobsCleanupCmd.Flags().Int("max-age-days", 30, "Delete records whose updated_at is older than this many days")
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery records",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <operation-id>",
	Short: "Show one recovery record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics across all recovery records",
	RunE:  runJobsStats,
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge <operation-id>",
	Short: "Delete a recovery record and its subordinate entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsPurge,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete recovery records older than --max-age-days",
	RunE:  runJobsCleanup,
}

// memoryRepo is the process-wide in-memory store every command shares
// when the memory driver is configured, so a demo run and a subsequent
// jobs command in the same process observe the same records.
var memoryRepo = memory.New()

// openRepository builds the persistence.Repository named by cfg.Persistence.
// Callers own the returned closer and must call it when done.
func openRepository(cfg *config.Config) (persistence.Repository, func() error, error) {
	switch cfg.Persistence {
	case config.DriverPostgres:
		backend, err := sql.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}
		if err := backend.EnsureSchema(context.Background()); err != nil {
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		return backend, backend.Close, nil
	default:
		return memoryRepo, func() error { return nil }, nil
	}
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	ctx := cmd.Context()
	stateFilter, _ := cmd.Flags().GetString("state")
	outputFormat, _ := cmd.Flags().GetString("output")

	var records []*recovery.RecoveryRecord
	if stateFilter != "" {
		records, err = repo.ListByState(ctx, recovery.OperationState(stateFilter))
	} else {
		var ids []string
		ids, err = repo.ListKeys(ctx)
		if err == nil {
			for _, id := range ids {
				var rec *recovery.RecoveryRecord
				rec, err = repo.Load(ctx, id)
				if err != nil {
					break
				}
				if rec != nil {
					records = append(records, rec)
				}
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to list recovery records: %w", err)
	}

	if outputFormat == "json" {
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(records) == 0 {
		fmt.Println("No recovery records found")
		return nil
	}

	fmt.Printf("%-38s %-24s %-12s %-8s %-20s\n", "OPERATION ID", "FUNCTION", "STATE", "ATTEMPT", "UPDATED")
	fmt.Println(strings.Repeat("-", 108))
	for _, r := range records {
		fmt.Printf("%-38s %-24s %-12s %-8d %-20s\n",
			r.OperationID, r.FunctionName, r.State, r.Attempt, r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\nTotal: %d\n", len(records))
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	rec, err := repo.Load(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	if rec == nil {
		return fmt.Errorf("no recovery record found for operation id %q", args[0])
	}

	outputFormat, _ := cmd.Flags().GetString("output")
	if outputFormat == "json" {
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Operation ID: %s\n", rec.OperationID)
	fmt.Printf("Function:     %s\n", rec.FunctionName)
	fmt.Printf("State:        %s\n", rec.State)
	fmt.Printf("Attempt:      %d\n", rec.Attempt)
	fmt.Printf("Created:      %s\n", rec.CreatedAt)
	fmt.Printf("Updated:      %s\n", rec.UpdatedAt)
	if rec.LastError != nil {
		fmt.Printf("Last error:   %s: %s\n", rec.LastError.Type, rec.LastError.Message)
	}

	attempts, err := repo.ListAttempts(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list attempts for %s: %w", args[0], err)
	}
	if len(attempts) > 0 {
		fmt.Printf("\nAttempts:\n")
		for _, a := range attempts {
			outcome := "ok"
			if !a.Success {
				outcome = fmt.Sprintf("failed (%s: %s)", a.ErrorType, a.ErrorMessage)
			}
			fmt.Printf("  #%d  delay=%.2fs  duration=%s  %s\n", a.AttemptNumber, a.DelaySeconds, a.Duration, outcome)
		}
	}
	return nil
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	stats, err := repo.Statistics(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to compute statistics: %w", err)
	}

	outputFormat, _ := cmd.Flags().GetString("output")
	if outputFormat == "json" {
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Total operations: %d\n", stats.TotalOperations)
	if stats.TotalOperations == 0 {
		return nil
	}
	fmt.Printf("Average attempts: %.2f\n", stats.AverageAttempts)
	fmt.Printf("Success rate:     %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("\nBy state:\n")
	for state, count := range stats.ByState {
		fmt.Printf("  %-12s %d\n", state, count)
	}
	fmt.Printf("\nBy function:\n")
	for fn, count := range stats.ByFunction {
		fmt.Printf("  %-24s %d\n", fn, count)
	}
	if stats.OldestOperation != nil && stats.NewestOperation != nil {
		fmt.Printf("\nOldest activity: %s\n", stats.OldestOperation.Format("2006-01-02 15:04:05"))
		fmt.Printf("Newest activity: %s\n", stats.NewestOperation.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runJobsPurge(cmd *cobra.Command, args []string) error {
	skipConfirm, _ := cmd.Flags().GetBool("yes")
	if !skipConfirm {
		var confirmed bool
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Delete recovery record %s and all its attempts/error logs?", args[0]),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if !confirmed {
			fmt.Println("Aborted")
			return nil
		}
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	if err := repo.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to purge %s: %w", args[0], err)
	}
	fmt.Printf("Purged %s\n", args[0])
	return nil
}

func runJobsCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	maxAgeDays, _ := cmd.Flags().GetInt("max-age-days")
	removed, err := repo.CleanupOldStates(cmd.Context(), maxAgeDays)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Printf("Removed %d record(s) older than %d day(s)\n", removed, maxAgeDays)
	return nil
}
