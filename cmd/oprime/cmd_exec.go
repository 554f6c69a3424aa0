package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"oprime/internal/runner"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	execLaunchTimeout   time.Duration
	execActivityTimeout time.Duration
	execTotalTimeout    time.Duration
	execStatusFile      string
	execStdin           []string
)

// execCmd runs one command under the harness runner
var execCmd = &cobra.Command{
	Use:   "exec [command] [args...]",
	Short: "Run a command under the Worker harness",
	Long: `Runs a command with the same supervision the bridge applies to Worker
runs: a launch deadline, an output-inactivity deadline, a total deadline, and
bounded output capture. Prints the harness verdict and the captured output.

Example:
  oprime exec --total-timeout 2m -- make test`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().DurationVar(&execLaunchTimeout, "launch-timeout", 0, "Override the launch deadline")
	execCmd.Flags().DurationVar(&execActivityTimeout, "activity-timeout", 0, "Override the output-inactivity deadline")
	execCmd.Flags().DurationVar(&execTotalTimeout, "total-timeout", 0, "Override the total deadline")
	execCmd.Flags().StringVar(&execStatusFile, "status-file", "", "Write the JSON run report to this path")
	execCmd.Flags().StringArrayVar(&execStdin, "stdin-line", nil, "Line to feed to the command's stdin (repeatable)")
}

// runExec supervises a single command run
func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	spec := runner.Spec{
		Binary:          args[0],
		Args:            args[1:],
		WorkingDir:      resolveWorkspace(),
		StdinLines:      execStdin,
		LaunchTimeout:   cfg.GetLaunchTimeout(),
		ActivityTimeout: cfg.GetActivityTimeout(),
		TotalTimeout:    cfg.GetTotalTimeout(),
		MaxOutputBytes:  cfg.Runner.MaxOutputBytes,
		TailBytes:       cfg.Runner.TailBytes,
		StatusFile:      execStatusFile,
	}
	if execLaunchTimeout > 0 {
		spec.LaunchTimeout = execLaunchTimeout
	}
	if execActivityTimeout > 0 {
		spec.ActivityTimeout = execActivityTimeout
	}
	if execTotalTimeout > 0 {
		spec.TotalTimeout = execTotalTimeout
	}

	logger.Info("Running harnessed command",
		zap.String("binary", spec.Binary),
		zap.Strings("args", spec.Args),
		zap.Duration("total_timeout", spec.TotalTimeout))

	res, err := runner.Run(ctx, spec)
	if err != nil {
		return fmt.Errorf("harness failed: %w", err)
	}

	if res.Status == runner.StatusCompleted {
		fmt.Printf("✓ %s (exit %d, %s)\n", res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
	} else {
		fmt.Printf("✗ %s (exit %d, %s)\n", res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
	}
	fmt.Printf("  %s\n", res.Message)
	if res.Truncated {
		fmt.Println("  (output truncated at the capture limit)")
	}

	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Println("\n--- stdout ---")
		fmt.Println(out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Println("\n--- stderr ---")
		fmt.Println(errOut)
	}

	if res.Status != runner.StatusCompleted {
		return fmt.Errorf("command finished with status %s", res.Status)
	}
	return nil
}
