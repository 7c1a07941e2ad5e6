package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"evoloop/internal/logging"
	"evoloop/internal/sandbox"
)

// Runtime is the slice of the sandbox runtime the orchestrator needs.
// *sandbox.DockerRuntime satisfies it.
type Runtime interface {
	Execute(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error)
}

// Orchestrator prepares the per-execution workspace, drives the sandbox
// runtime, and normalizes the outcome into a SandboxResult. Every call gets
// a fresh temporary directory; no workspace is ever reused, and cleanup is
// unconditional.
type Orchestrator struct {
	runtime        Runtime
	root           string // parent for temp workspaces; "" = system temp
	defaultTimeout time.Duration
}

// NewOrchestrator creates an orchestrator over the given runtime.
func NewOrchestrator(runtime Runtime, root string, defaultTimeout time.Duration) *Orchestrator {
	if defaultTimeout <= 0 {
		defaultTimeout = 300 * time.Second
	}
	return &Orchestrator{runtime: runtime, root: root, defaultTimeout: defaultTimeout}
}

// Run executes one candidate to completion or forced termination and never
// returns nil. Execution failures of any flavor are captured in the result;
// the error channel stays silent so a bad candidate cannot abort the
// pipeline above.
func (o *Orchestrator) Run(ctx context.Context, code, functionName string, fixtures map[string]interface{}, timeout time.Duration) *SandboxResult {
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	result := &SandboxResult{
		Status:    sandbox.StatusFailed,
		ExitCode:  -1,
		Timestamp: time.Now(),
		Findings:  Precheck(ctx, code),
	}
	if len(result.Findings) > 0 {
		logging.Sandbox("pre-flight scan flagged %d import(s)", len(result.Findings))
	}

	dir, err := o.materialize(code, functionName, fixtures)
	if err != nil {
		result.Error = err.Error()
		logging.SandboxError("workspace preparation failed: %v", err)
		return result
	}
	defer os.RemoveAll(dir)

	run, err := o.runtime.Execute(ctx, sandbox.Spec{
		WorkspaceDir: dir,
		OutputDir:    filepath.Join(dir, "out"),
		Command: []string{
			"/bin/sh", "-c",
			`exec timeout -s KILL "$SANDBOX_TIMEOUT" python3 /sandbox/harness.py`,
		},
		Timeout: timeout,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Status = run.Status
	result.ExitCode = run.ExitCode
	result.Stdout = run.Stdout
	result.Stderr = run.Stderr
	result.Duration = run.Duration
	result.Error = run.Error

	if harness := o.readHarnessResult(dir); harness != nil {
		result.Harness = harness
		result.Usage = harness.Usage
	}
	return result
}

// materialize lays out the execution workspace: candidate, optional fixture
// payload, harness, and a world-writable output directory for the result
// file (the contained process runs as nobody).
func (o *Orchestrator) materialize(code, functionName string, fixtures map[string]interface{}) (string, error) {
	dir, err := os.MkdirTemp(o.root, "evoloop-sandbox-*")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox workspace: %w", err)
	}

	cleanup := func(err error) (string, error) {
		os.RemoveAll(dir)
		return "", err
	}

	if err := os.WriteFile(filepath.Join(dir, "candidate.py"), []byte(code), 0644); err != nil {
		return cleanup(fmt.Errorf("failed to write candidate: %w", err))
	}

	if fixtures != nil {
		data, err := json.Marshal(fixtures)
		if err != nil {
			return cleanup(fmt.Errorf("failed to encode fixtures: %w", err))
		}
		if err := os.WriteFile(filepath.Join(dir, "fixtures.json"), data, 0644); err != nil {
			return cleanup(fmt.Errorf("failed to write fixtures: %w", err))
		}
	}

	harness, err := renderHarness(functionName)
	if err != nil {
		return cleanup(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "harness.py"), []byte(harness), 0644); err != nil {
		return cleanup(fmt.Errorf("failed to write harness: %w", err))
	}

	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0777); err != nil {
		return cleanup(fmt.Errorf("failed to create output directory: %w", err))
	}
	// MkdirTemp applies the umask; the sandbox user must be able to write.
	if err := os.Chmod(outDir, 0777); err != nil {
		return cleanup(fmt.Errorf("failed to open output directory permissions: %w", err))
	}
	// The workspace itself only needs to be world-readable.
	if err := os.Chmod(dir, 0755); err != nil {
		return cleanup(fmt.Errorf("failed to set workspace permissions: %w", err))
	}

	return dir, nil
}

// readHarnessResult parses the structured result file, consumed before the
// workspace is deleted. Absent or corrupt files are normal for candidates
// that were killed before the harness could report.
func (o *Orchestrator) readHarnessResult(dir string) *HarnessResult {
	data, err := os.ReadFile(filepath.Join(dir, "out", "result.json"))
	if err != nil {
		return nil
	}
	var harness HarnessResult
	if err := json.Unmarshal(data, &harness); err != nil {
		logging.Sandbox("discarding corrupt harness result: %v", err)
		return nil
	}
	return &harness
}
