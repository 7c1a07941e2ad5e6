package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"evoloop/internal/logging"

	"github.com/google/uuid"
)

// containerLabel marks every container this runtime creates so leaked
// environments can be found and swept.
const containerLabel = "evoloop.sandbox"

// DockerRuntime executes programs inside disposable Docker containers by
// shelling out to the docker CLI. An unusable runtime is a construction-time
// error; everything that goes wrong during a run is captured in the Result.
type DockerRuntime struct {
	config     RuntimeConfig
	dockerPath string
}

// NewDockerRuntime validates the Docker installation and returns a runtime.
// Fails fast when the docker binary is missing or the daemon is unresponsive:
// a pipeline without isolation must not start.
func NewDockerRuntime(config RuntimeConfig) (*DockerRuntime, error) {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not responding: %w", err)
	}

	logging.Boot("docker runtime available, server version %s", strings.TrimSpace(out.String()))
	return &DockerRuntime{config: config, dockerPath: dockerPath}, nil
}

// Config returns the runtime configuration.
func (r *DockerRuntime) Config() RuntimeConfig {
	return r.config
}

// EnsureImage pulls the base execution image if it is not present locally.
// Called once at startup; a missing, unpullable image is fatal.
func (r *DockerRuntime) EnsureImage(ctx context.Context) error {
	inspect := exec.CommandContext(ctx, r.dockerPath, "image", "inspect", r.config.Image)
	if inspect.Run() == nil {
		return nil
	}

	logging.Sandbox("pulling image %s", r.config.Image)
	pull := exec.CommandContext(ctx, r.dockerPath, "pull", r.config.Image)
	var stderr bytes.Buffer
	pull.Stderr = &stderr
	if err := pull.Run(); err != nil {
		return fmt.Errorf("failed to pull image %s: %s: %w", r.config.Image, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Execute runs one program to completion or forced termination inside a
// fresh container. The container is always removed, whatever the outcome.
func (r *DockerRuntime) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("sandbox spec requires a command")
	}
	if spec.WorkspaceDir == "" {
		return nil, fmt.Errorf("sandbox spec requires a workspace directory")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.config.Limits.Timeout
	}

	name := "evoloop-" + uuid.NewString()
	args := r.buildRunArgs(name, spec, timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	// Whatever happens below, the container must not outlive this call.
	defer r.remove(name)

	cmd := exec.CommandContext(execCtx, r.dockerPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: r.config.Limits.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: r.config.Limits.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	started := time.Now()
	logging.SandboxDebug("starting container %s: %s", name, strings.Join(spec.Command, " "))
	err := cmd.Run()
	elapsed := time.Since(started)

	result := &Result{
		Status:    StatusCompleted,
		ExitCode:  0,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdoutLimited.truncated || stderrLimited.truncated,
		Duration:  elapsed,
		StartedAt: started,
	}

	if err == nil {
		logging.SandboxDebug("container %s completed in %v", name, elapsed)
		return result, nil
	}

	if execCtx.Err() == context.DeadlineExceeded || ctx.Err() == context.DeadlineExceeded {
		// Outer watchdog fired; the deferred remove kills the container.
		result.Status = StatusTimeout
		result.ExitCode = ExitTimeout
		logging.Sandbox("container %s exceeded %v wall clock, killed", name, timeout)
		return result, nil
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		switch result.ExitCode {
		case ExitTimeout:
			// In-container watchdog expired first.
			result.Status = StatusTimeout
		case ExitKilled:
			// SIGKILL without a deadline means the kernel stepped in
			// (memory ceiling, pids limit).
			result.Status = StatusKilled
		default:
			result.Status = StatusFailed
		}
		logging.SandboxDebug("container %s exited %d (%s)", name, result.ExitCode, result.Status)
		return result, nil
	}

	// The container never ran: infrastructure failure, reported as a
	// failed result rather than an error so the pipeline records it.
	result.Status = StatusFailed
	result.ExitCode = -1
	result.Error = err.Error()
	logging.SandboxError("container %s failed to run: %v", name, err)
	return result, nil
}

// buildRunArgs constructs the docker run invocation with the full safety
// envelope applied.
func (r *DockerRuntime) buildRunArgs(name string, spec Spec, timeout time.Duration) []string {
	limits := r.config.Limits

	args := []string{
		"run", "--rm",
		"--name", name,
		"--label", containerLabel + "=1",
		"--network", "none",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--memory", fmt.Sprintf("%d", limits.MemoryBytes),
		"--memory-swap", fmt.Sprintf("%d", limits.MemoryBytes), // no swap escape hatch
		"--cpu-period", fmt.Sprintf("%d", limits.CPUPeriod),
		"--cpu-quota", fmt.Sprintf("%d", limits.CPUQuota),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", limits.OpenFiles, limits.OpenFiles),
		"--tmpfs", "/tmp:size=16m",
		"-v", fmt.Sprintf("%s:/sandbox:ro", spec.WorkspaceDir),
	}

	if spec.OutputDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/sandbox/out:rw", spec.OutputDir))
	}
	if r.config.User != "" {
		args = append(args, "--user", r.config.User)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	args = append(args, "-e", fmt.Sprintf("SANDBOX_TIMEOUT=%d", int(timeout.Seconds())))

	args = append(args, "-w", "/sandbox")
	args = append(args, r.config.Image)
	args = append(args, spec.Command...)
	return args
}

// remove force-removes a container. Harmless when --rm already did the job.
func (r *DockerRuntime) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, r.dockerPath, "rm", "-f", name).Run()
}

// LeakedContainers returns the names of any containers carrying the sandbox
// label. A correct runtime always returns an empty slice; tests use this as
// a post-condition.
func (r *DockerRuntime) LeakedContainers(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, r.dockerPath,
		"ps", "-a", "--filter", "label="+containerLabel, "--format", "{{.Names}}")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
