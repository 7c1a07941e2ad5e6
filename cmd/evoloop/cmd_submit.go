package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"evoloop/internal/evolution"
	"evoloop/internal/generator"
	"evoloop/internal/sandbox"
	"evoloop/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	submitKind     string
	submitEntry    string
	submitLogic    string
	submitInputs   []string
	submitOutputs  []string
	submitFixtures string
	submitSafety   string
	submitMock     bool
	submitJSON     bool
)

// submitCmd drives the full pipeline for one request: generate, sandbox,
// compute the approval level, auto-apply when permitted, and record the
// outcome in the audit trail.
var submitCmd = &cobra.Command{
	Use:   "submit [description]",
	Short: "Submit an evolution request and wait for its outcome",
	Long: `Runs one evolution request end to end. The description and the --logic
text are forwarded to the generator; the returned candidate is executed in
the sandbox and gated by the risk-derived approval level.

Example:
  evoloop submit "add a slug helper" \
    --kind function_generation --entry slugify \
    --logic "lowercase the input and replace spaces with dashes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "function_generation",
		"Evolution kind (function_generation, module_enhancement, bug_fix, optimization, feature_addition)")
	submitCmd.Flags().StringVar(&submitEntry, "entry", "evolve", "Entry point function the candidate must define")
	submitCmd.Flags().StringVar(&submitLogic, "logic", "", "Description of what the function must do (required)")
	submitCmd.Flags().StringSliceVar(&submitInputs, "input", nil, "Expected input, repeatable (name: type)")
	submitCmd.Flags().StringSliceVar(&submitOutputs, "output", nil, "Expected output, repeatable")
	submitCmd.Flags().StringVar(&submitFixtures, "fixtures", "", "JSON file with test fixtures")
	submitCmd.Flags().StringVar(&submitSafety, "safety", "", "Advisory safety hint forwarded to the generator")
	submitCmd.Flags().BoolVar(&submitMock, "mock", false, "Use the built-in mock generator instead of the API")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the full result as JSON")
	submitCmd.MarkFlagRequired("logic")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	kind, err := evolution.ParseKind(submitKind)
	if err != nil {
		return err
	}

	var fixtures map[string]interface{}
	if submitFixtures != "" {
		data, err := os.ReadFile(submitFixtures)
		if err != nil {
			return fmt.Errorf("failed to read fixtures: %w", err)
		}
		if err := json.Unmarshal(data, &fixtures); err != nil {
			return fmt.Errorf("failed to parse fixtures: %w", err)
		}
	}

	gen, err := buildGenerator(ctx)
	if err != nil {
		return err
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
	applier := evolution.NewApplier(cfg.Controller.ModulesDir)

	var audit evolution.AuditSink
	var auditStore *store.AuditStore
	if cfg.Audit.Enabled {
		auditStore, err = store.NewAuditStore(cfg.Audit.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer auditStore.Close()
		audit = auditStore
	}

	ctrl := evolution.NewController(gen, orch, applier, audit, evolution.Options{
		MaxConcurrent:    cfg.Controller.MaxConcurrent,
		SandboxTimeout:   sandboxTimeout,
		GeneratorTimeout: cfg.GeneratorTimeout(),
	})

	id, err := ctrl.RequestEvolution(evolution.Request{
		Kind:        kind,
		Description: joinArgs(args),
		Requirements: evolution.Requirements{
			FunctionName: submitEntry,
			Inputs:       submitInputs,
			Outputs:      submitOutputs,
			Logic:        submitLogic,
			TestFixtures: fixtures,
		},
		SafetyLevel: submitSafety,
		RequestedBy: currentUser(),
	})
	if err != nil {
		return err
	}
	logger.Info("Request accepted", zap.String("id", id))

	result, err := awaitResult(ctx, ctrl, id)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown did not drain cleanly", zap.Error(err))
	}

	if err != nil {
		return err
	}
	printEvolutionResult(result, submitJSON)
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

// buildGenerator wires either the real API client or the mock.
func buildGenerator(ctx context.Context) (evolution.Generator, error) {
	if submitMock {
		return &generator.Mock{}, nil
	}
	apiKey := os.Getenv(cfg.Generator.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key in $%s (or pass --mock)", cfg.Generator.APIKeyEnv)
	}
	return generator.NewGeminiGenerator(ctx, apiKey, cfg.Generator.Model)
}

// awaitResult polls the history until the request reaches a terminal state.
func awaitResult(ctx context.Context, ctrl *evolution.Controller, id string) (*evolution.Result, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for request %s: %w", id, ctx.Err())
		case <-ticker.C:
			for _, r := range ctrl.GetEvolutionHistory(0) {
				if r.RequestID == id {
					return r, nil
				}
			}
		}
	}
}

func printEvolutionResult(result *evolution.Result, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("request:   %s\n", result.RequestID)
	fmt.Printf("kind:      %s\n", result.Kind)
	fmt.Printf("success:   %v\n", result.Success)
	if result.Analysis != nil {
		fmt.Printf("risk:      %s (ethical: %v)\n", result.Analysis.Risk, result.Analysis.EthicalCompliance)
	}
	if result.Sandbox != nil {
		fmt.Printf("sandbox:   %s (exit %d, %s)\n",
			result.Sandbox.Status, result.Sandbox.ExitCode, result.Sandbox.Duration)
	}
	fmt.Printf("approval:  %s\n", result.Approval)
	fmt.Printf("applied:   %v\n", result.Applied)
	if !result.Applied && !result.Rejected && result.Approval != evolution.ApprovalAutomatic && result.Success {
		fmt.Println("note:      awaiting approval; the candidate was not staged")
	}
	if result.Error != "" {
		fmt.Printf("error:     %s\n", result.Error)
	}
	fmt.Printf("duration:  %s\n", result.TotalDuration)
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
