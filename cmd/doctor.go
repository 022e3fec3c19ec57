package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongkongkiwi/retrygo/internal/config"
	"github.com/hongkongkiwi/retrygo/recovery/engine"
	"github.com/hongkongkiwi/retrygo/recovery/persistence/sql"
)

// DoctorResult is a single health-check result.
type DoctorResult struct {
	Check   string `json:"check"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// DoctorOutput is the complete doctor check output.
type DoctorOutput struct {
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Results   []DoctorResult `json:"results"`
	Summary   string         `json:"summary"`
	Duration  string         `json:"duration"`
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks against the configured persistence backend and breakers",
	Long: `Run health checks on the retrygo runtime:
- configuration validity
- persistence backend connectivity (ping, for the postgres driver)
- the process-wide circuit breaker registry's current state per function identity

Exits non-zero if any check fails.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("output-format", "text", "Output format: text or json")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	start := time.Now()
	outputFormat, _ := cmd.Flags().GetString("output-format")

	var results []DoctorResult
	results = append(results, checkSystemHealth()...)
	results = append(results, checkConfigurationHealth()...)
	results = append(results, checkPersistenceHealth()...)
	results = append(results, checkBreakerHealth()...)

	passCount, warnCount, failCount := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case "pass":
			passCount++
		case "warn":
			warnCount++
		case "fail":
			failCount++
		}
	}

	success := failCount == 0
	summary := fmt.Sprintf("%d passed, %d warnings, %d failed", passCount, warnCount, failCount)

	output := &DoctorOutput{
		Success:   success,
		Timestamp: time.Now(),
		Results:   results,
		Summary:   summary,
		Duration:  time.Since(start).String(),
	}

	return outputDoctorResults(output, outputFormat)
}

func checkSystemHealth() []DoctorResult {
	var results []DoctorResult

	results = append(results, DoctorResult{
		Check:   "go_version",
		Status:  "pass",
		Message: fmt.Sprintf("Go runtime version: %s", runtime.Version()),
		Details: fmt.Sprintf("OS: %s, Arch: %s", runtime.GOOS, runtime.GOARCH),
	})

	goroutines := runtime.NumGoroutine()
	status := "pass"
	if goroutines > 200 {
		status = "warn"
	}
	results = append(results, DoctorResult{
		Check:   "goroutines",
		Status:  status,
		Message: fmt.Sprintf("Active goroutines: %d", goroutines),
	})

	return results
}

func checkConfigurationHealth() []DoctorResult {
	cfg, err := loadCLIConfig()
	if err != nil {
		return []DoctorResult{{
			Check:   "configuration",
			Status:  "fail",
			Message: "Configuration is invalid",
			Details: err.Error(),
		}}
	}
	return []DoctorResult{{
		Check:   "configuration",
		Status:  "pass",
		Message: fmt.Sprintf("Configuration valid (persistence=%s, data_dir=%s)", cfg.Persistence, cfg.DataDir),
	}}
}

func checkPersistenceHealth() []DoctorResult {
	cfg, err := loadCLIConfig()
	if err != nil {
		return []DoctorResult{{
			Check:   "persistence_connectivity",
			Status:  "warn",
			Message: "Skipped: configuration is invalid",
		}}
	}

	if cfg.Persistence != config.DriverPostgres {
		return []DoctorResult{{
			Check:   "persistence_connectivity",
			Status:  "pass",
			Message: "Using in-memory persistence (no external dependency to check)",
		}}
	}

	backend, err := sql.Open(cfg.PostgresDSN)
	if err != nil {
		return []DoctorResult{{
			Check:   "persistence_connectivity",
			Status:  "fail",
			Message: "Failed to connect to the configured PostgreSQL persistence backend",
			Details: err.Error(),
		}}
	}
	defer func() { _ = backend.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.EnsureSchema(ctx); err != nil {
		return []DoctorResult{{
			Check:   "persistence_connectivity",
			Status:  "fail",
			Message: "Connected, but failed to ensure the recovery schema",
			Details: err.Error(),
		}}
	}

	return []DoctorResult{{
		Check:   "persistence_connectivity",
		Status:  "pass",
		Message: "Connected to PostgreSQL persistence backend and schema is up to date",
	}}
}

func checkBreakerHealth() []DoctorResult {
	snapshot := engine.Breakers().Snapshot()
	if len(snapshot) == 0 {
		return []DoctorResult{{
			Check:   "circuit_breakers",
			Status:  "pass",
			Message: "No circuit breakers have been created yet",
		}}
	}

	var results []DoctorResult
	for functionName, state := range snapshot {
		status := "pass"
		if string(state) == "open" {
			status = "fail"
		} else if string(state) == "half_open" {
			status = "warn"
		}
		results = append(results, DoctorResult{
			Check:   fmt.Sprintf("breaker_%s", functionName),
			Status:  status,
			Message: fmt.Sprintf("Breaker for %q is %s", functionName, state),
		})
	}
	return results
}

func outputDoctorResults(output *DoctorOutput, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal doctor output: %w", err)
		}
		fmt.Println(string(out))
		if !output.Success {
			os.Exit(1)
		}
		return nil
	}

	fmt.Printf("retrygo doctor\n")
	fmt.Printf("Timestamp: %s\n", output.Timestamp.Format(time.RFC3339))
	fmt.Printf("Duration: %s\n\n", output.Duration)

	for _, r := range output.Results {
		fmt.Printf("[%s] %s: %s\n", r.Status, r.Check, r.Message)
		if r.Details != "" {
			fmt.Printf("    %s\n", r.Details)
		}
	}

	fmt.Printf("\nSummary: %s\n", output.Summary)
	if !output.Success {
		os.Exit(1)
	}
	return nil
}
