package main

import (
	"context"
	"fmt"

	"evoloop/internal/sandbox"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var doctorPull bool

// doctorCmd verifies the execution environment before any candidate runs.
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the sandbox runtime is usable",
	Long: `Verifies the Docker daemon is reachable, reports the configured isolation
envelope, optionally pulls the execution image, and lists any containers
left over from interrupted runs.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorPull, "pull", false, "Pull the execution image if absent")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	runtime, err := sandbox.NewDockerRuntime(runtimeConfig())
	if err != nil {
		return fmt.Errorf("sandbox runtime unavailable: %w", err)
	}
	logger.Info("Docker daemon reachable")

	rc := runtime.Config()
	fmt.Println("Sandbox envelope:")
	fmt.Printf("  image:            %s\n", rc.Image)
	fmt.Printf("  user:             %s\n", rc.User)
	fmt.Printf("  network:          none\n")
	fmt.Printf("  filesystem:       read-only (tmpfs /tmp, rw out dir)\n")
	fmt.Printf("  memory limit:     %d bytes\n", rc.Limits.MemoryBytes)
	fmt.Printf("  cpu quota/period: %d/%d\n", rc.Limits.CPUQuota, rc.Limits.CPUPeriod)
	fmt.Printf("  pids limit:       %d\n", rc.Limits.PidsLimit)
	fmt.Printf("  open files:       %d\n", rc.Limits.OpenFiles)
	fmt.Printf("  output cap:       %d bytes\n", rc.Limits.MaxOutputBytes)

	if doctorPull {
		logger.Info("Ensuring execution image", zap.String("image", rc.Image))
		if err := runtime.EnsureImage(ctx); err != nil {
			return fmt.Errorf("failed to ensure image: %w", err)
		}
		fmt.Printf("Image %s present.\n", rc.Image)
	}

	leaked, err := runtime.LeakedContainers(ctx)
	if err != nil {
		logger.Warn("Could not check for leaked containers", zap.Error(err))
	} else if len(leaked) > 0 {
		fmt.Printf("WARNING: %d leftover sandbox container(s):\n", len(leaked))
		for _, name := range leaked {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println("Remove them with: docker rm -f <name>")
	} else {
		fmt.Println("No leftover sandbox containers.")
	}

	fmt.Println("All checks passed.")
	return nil
}
