// Package sandbox is the isolation layer of the self-modification pipeline.
// It runs exactly one untrusted program per call inside a disposable,
// resource- and network-isolated container and reports what happened.
//
// Design principles:
//   - One container per execution, always removed, never reused
//   - Enforcement lives here: the layers above may scan and classify, but
//     only the container boundary is trusted
//   - Execution failures are results, not errors; only an unusable runtime
//     is an error (and only at construction time)
package sandbox

import (
	"io"
	"time"
)

// Status describes the terminal state of a sandbox execution.
type Status string

const (
	// StatusReady means the environment was prepared but not yet started.
	StatusReady Status = "ready"

	// StatusRunning means execution is in progress.
	StatusRunning Status = "running"

	// StatusCompleted means the program exited zero within the timeout.
	StatusCompleted Status = "completed"

	// StatusFailed means the program exited non-zero or the container
	// could not be run.
	StatusFailed Status = "failed"

	// StatusTimeout means the wall-clock limit expired and the container
	// was forcibly terminated.
	StatusTimeout Status = "timeout"

	// StatusKilled means the container was terminated for another reason
	// (OOM kill, external signal).
	StatusKilled Status = "killed"
)

// Exit code sentinels. 124 follows the GNU timeout convention and is what
// the in-container watchdog produces; 137 is 128+SIGKILL.
const (
	ExitTimeout = 124
	ExitKilled  = 137
)

// Limits is the hard safety envelope applied to every container.
type Limits struct {
	// MemoryBytes is the memory ceiling.
	MemoryBytes int64

	// CPUQuota and CPUPeriod form the CPU share pair
	// (50000/100000 = half of one core).
	CPUQuota  int64
	CPUPeriod int64

	// PidsLimit caps concurrent processes/threads.
	PidsLimit int

	// OpenFiles caps open file descriptors.
	OpenFiles int

	// MaxOutputBytes caps captured stdout+stderr.
	MaxOutputBytes int64

	// Timeout is the wall-clock cap for one execution.
	Timeout time.Duration
}

// RuntimeConfig configures the container runtime at startup.
type RuntimeConfig struct {
	// Image is the base execution image.
	Image string

	// Limits are the default per-execution limits.
	Limits Limits

	// User runs the contained process as this user (uid:gid format).
	// Defaults to a non-root nobody mapping.
	User string
}

// DefaultRuntimeConfig returns the stock safety envelope.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Image: "python:3.11-alpine",
		User:  "65534:65534",
		Limits: Limits{
			MemoryBytes:    256 * 1024 * 1024,
			CPUQuota:       50000,
			CPUPeriod:      100000,
			PidsLimit:      50,
			OpenFiles:      64,
			MaxOutputBytes: 10 * 1024 * 1024,
			Timeout:        300 * time.Second,
		},
	}
}

// Spec describes one execution.
type Spec struct {
	// WorkspaceDir is mounted read-only at /sandbox.
	WorkspaceDir string

	// OutputDir is mounted read-write at /sandbox/out so the harness can
	// leave its structured result file behind.
	OutputDir string

	// Command is the argv run inside the container.
	Command []string

	// Env holds KEY=VALUE pairs for the contained process.
	Env []string

	// Timeout overrides the runtime default when positive.
	Timeout time.Duration
}

// Result is the complete record of one sandbox execution.
// Created once per run; immutable after creation.
type Result struct {
	// Status is the terminal state.
	Status Status `json:"status"`

	// ExitCode is the process exit code (-1 if it never ran).
	ExitCode int `json:"exit_code"`

	// Stdout and Stderr are the captured streams, size-capped.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Truncated indicates output was cut at the cap.
	Truncated bool `json:"truncated"`

	// Duration is wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// StartedAt is when the container was launched.
	StartedAt time.Time `json:"started_at"`

	// Error carries infrastructure error text for failed runs that never
	// reached the program (container creation failure and the like).
	Error string `json:"error,omitempty"`
}

// limitedWriter caps total bytes written, discarding the excess.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil // pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // original length avoids short-write errors upstream
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
