package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hongkongkiwi/retrygo/internal/logging"
	"github.com/hongkongkiwi/retrygo/recovery"
	"github.com/hongkongkiwi/retrygo/recovery/engine"
	"github.com/hongkongkiwi/retrygo/recovery/observability"
	"github.com/hongkongkiwi/retrygo/recovery/strategy"
)

// flakyCallError simulates a transient downstream failure: the demo
// operation fails this many times before succeeding, so the retry loop
// and the terminal progress bar both have something to show.
type flakyCallError struct{ attempt int }

func (e *flakyCallError) Error() string {
	return fmt.Sprintf("connection refused on attempt %d", e.attempt)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Wrap a synthetic flaky operation and watch it retry to completion",
	Long: `demo wraps a synthetic operation that fails a configurable number
of times before succeeding, so you can watch the retry loop, the backoff
delays, and the circuit breaker work end to end against the configured
persistence backend.

Interrupting with Ctrl-C (SIGINT) or SIGTERM triggers a graceful shutdown:
the in-flight attempt's context is cancelled. If at least one attempt had
already failed, the record is left in the recovering state and a later run
with the same --operation-id resumes it; a record interrupted during its
first attempt stays in progress and a later run starts it over.`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().Int("fail-times", 2, "Number of attempts that fail before the operation succeeds")
	demoCmd.Flags().Int("max-retries", 3, "Maximum number of retries (total attempts = max-retries + 1)")
	demoCmd.Flags().String("strategy", "exponential", "Backoff strategy: exponential, linear, or fixed")
	demoCmd.Flags().Duration("initial-delay", 200*time.Millisecond, "Initial backoff delay")
	demoCmd.Flags().String("operation-id", "", "Pin an operation id to enable resumption across runs")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}
	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeRepo() }()

	failTimes, _ := cmd.Flags().GetInt("fail-times")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	strategyName, _ := cmd.Flags().GetString("strategy")
	initialDelay, _ := cmd.Flags().GetDuration("initial-delay")
	operationID, _ := cmd.Flags().GetString("operation-id")

	recCfg := recovery.DefaultConfig()
	recCfg.MaxRetries = maxRetries
	recCfg.CircuitBreakerThreshold = cfg.BreakerThreshold
	recCfg.CircuitBreakerTimeout = cfg.BreakerResetTimeout

	strat := demoStrategy(strategyName, initialDelay)

	var calls int32
	bar := progressbar.NewOptions(maxRetries+1,
		progressbar.OptionSetDescription("attempts"),
		progressbar.OptionShowCount(),
	)

	operation := engine.Operation[string](func(ctx context.Context) (string, error) {
		n := int(atomic.AddInt32(&calls, 1))
		_ = bar.Add(1)
		if n <= failTimes {
			return "", &flakyCallError{attempt: n}
		}
		return "demo operation succeeded", nil
	})

	logger := logging.GetGlobalLogger()
	wrapper := engine.Wrap("retrygo.demo", operation, recCfg,
		engine.WithStrategy[string](strat),
		engine.WithPersistence[string](repo),
		engine.WithSink[string](observability.NewLogSink(logger.Logger)),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var g run.Group
	g.Add(func() error {
		sig, ok := <-shutdown
		if !ok {
			return nil
		}
		return fmt.Errorf("shutdown signal received: %v", sig)
	}, func(error) {
		close(shutdown)
	})

	var result string
	g.Add(func() error {
		var doErr error
		result, doErr = wrapper.Do(ctx, engine.Call{OperationID: operationID})
		return doErr
	}, func(error) {
		cancel()
	})

	if err := g.Run(); err != nil {
		fmt.Printf("\n%s\n", describeDemoFailure(err))
		return err
	}

	fmt.Printf("\n%s (after %d attempt(s))\n", result, calls)
	return nil
}

// demoStrategy maps the --strategy flag to a backoff strategy seeded with
// the --initial-delay value. Unknown names fall back to exponential, the
// engine's own default.
func demoStrategy(name string, initialDelay time.Duration) strategy.Strategy {
	switch name {
	case "linear":
		s := strategy.NewLinear(nil)
		s.Initial = initialDelay
		return s
	case "fixed":
		return strategy.NewFixed(initialDelay, nil)
	default:
		s := strategy.NewExponential(nil)
		s.Initial = initialDelay
		return s
	}
}

// describeDemoFailure renders the terminal failure line for a demo run,
// special-casing the wrapper's own error kinds.
func describeDemoFailure(err error) string {
	switch e := err.(type) {
	case *recovery.CircuitOpenError:
		return fmt.Sprintf("circuit open: %s", e.Error())
	case *recovery.ExhaustedError:
		return fmt.Sprintf("exhausted after %d attempt(s): %v", e.Attempts, e.Cause)
	default:
		return fmt.Sprintf("demo interrupted: %v", err)
	}
}
