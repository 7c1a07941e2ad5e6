package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"evoloop/internal/evolution"
	"evoloop/internal/sandbox"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	execEntry    string
	execFixtures string
	execJSON     bool
)

// execCmd runs one candidate file through the sandbox without touching the
// evolution pipeline. Useful for vetting a module by hand.
var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run a candidate Python module in the sandbox",
	Long: `Executes the given Python file inside the isolation envelope and prints
the normalized result: exit status, captured output, resource usage, and
any deny-listed imports the pre-flight scan flagged.

Example:
  evoloop exec candidate.py --entry process --fixtures fixtures.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execEntry, "entry", "evolve", "Entry point function the candidate must define")
	execCmd.Flags().StringVar(&execFixtures, "fixtures", "", "JSON file with test fixtures passed to the entry point")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "Print the full result as JSON")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read candidate: %w", err)
	}

	var fixtures map[string]interface{}
	if execFixtures != "" {
		data, err := os.ReadFile(execFixtures)
		if err != nil {
			return fmt.Errorf("failed to read fixtures: %w", err)
		}
		if err := json.Unmarshal(data, &fixtures); err != nil {
			return fmt.Errorf("failed to parse fixtures: %w", err)
		}
	}

	runtime, err := sandbox.NewDockerRuntime(runtimeConfig())
	if err != nil {
		return fmt.Errorf("sandbox runtime unavailable: %w", err)
	}
	if err := runtime.EnsureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}

	sandboxTimeout, err := cfg.SandboxTimeout()
	if err != nil {
		return err
	}
	orch := evolution.NewOrchestrator(runtime, cfg.Sandbox.WorkspaceRoot, sandboxTimeout)

	logger.Info("Executing candidate",
		zap.String("file", args[0]),
		zap.String("entry", execEntry))
	result := orch.Run(ctx, string(code), execEntry, fixtures, 0)

	printSandboxResult(result)
	if !result.Completed() {
		os.Exit(1)
	}
	return nil
}

func printSandboxResult(result *evolution.SandboxResult) {
	if execJSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("status:    %s (exit %d)\n", result.Status, result.ExitCode)
	fmt.Printf("duration:  %s\n", result.Duration)
	for _, f := range result.Findings {
		fmt.Printf("finding:   deny-listed import %q at line %d\n", f.Module, f.Line)
	}
	if result.Harness != nil {
		fmt.Printf("harness:   success=%v\n", result.Harness.Success)
		if result.Harness.Fault != nil {
			fmt.Printf("fault:     %s: %s\n", result.Harness.Fault.Type, result.Harness.Fault.Message)
		}
		if result.Harness.Output != "" {
			fmt.Printf("output:    %s\n", result.Harness.Output)
		}
	}
	if result.Usage != nil {
		fmt.Printf("max rss:   %d bytes\n", result.Usage.MaxRSSBytes)
		fmt.Printf("cpu time:  %.3fs user / %.3fs system\n",
			result.Usage.UserTimeSecs, result.Usage.SystemTimeSecs)
	}
	if result.Stdout != "" {
		fmt.Printf("--- stdout ---\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Printf("--- stderr ---\n%s\n", result.Stderr)
	}
	if result.Error != "" {
		fmt.Printf("error:     %s\n", result.Error)
	}
}
