package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"oprime/internal/bridge"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// bridgeCmd manages the Worker-side bridge agent
var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Worker bridge agent (task queue to harnessed runs)",
	Long: `The bridge agent is the Worker half of the handshake. It watches a JSON
task queue in the project workspace, claims pending tasks oldest-first, runs
the configured worker command under the harness, and appends each outcome to
the result file the Manager is waiting on.`,
}

var bridgeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge agent until interrupted",
	RunE:  runBridge,
}

var bridgeAddCmd = &cobra.Command{
	Use:   "add [instruction...]",
	Short: "Enqueue a task for the bridge",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBridgeAdd,
}

var bridgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE:  runBridgeList,
}

var bridgeProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending tasks once and exit",
	RunE:  runBridgeProcess,
}

func init() {
	var objective string
	bridgeAddCmd.Flags().StringVar(&objective, "objective", "", "Short label for the task")

	bridgeCmd.AddCommand(bridgeRunCmd)
	bridgeCmd.AddCommand(bridgeAddCmd)
	bridgeCmd.AddCommand(bridgeListCmd)
	bridgeCmd.AddCommand(bridgeProcessCmd)
}

// openBridge builds a bridge for the resolved workspace.
func openBridge() (*bridge.Bridge, error) {
	return bridge.New(cfg, resolveWorkspace())
}

// runBridge runs the bridge loop until SIGINT/SIGTERM
func runBridge(cmd *cobra.Command, args []string) error {
	b, err := openBridge()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Bridge agent started",
		zap.String("workspace", resolveWorkspace()),
		zap.String("worker_command", cfg.Bridge.WorkerCommand))
	fmt.Printf("Bridge agent running in %s\n", resolveWorkspace())
	fmt.Println("Press Ctrl+C to shutdown")

	return b.Run(ctx)
}

// runBridgeAdd enqueues one task
func runBridgeAdd(cmd *cobra.Command, args []string) error {
	b, err := openBridge()
	if err != nil {
		return err
	}

	objective, _ := cmd.Flags().GetString("objective")
	task, err := b.Enqueue(objective, joinArgs(args))
	if err != nil {
		return err
	}

	logger.Info("Task enqueued", zap.String("task_id", task.ID))
	fmt.Printf("✓ Task %s enqueued\n", task.ID)
	return nil
}

// runBridgeList prints the queue
func runBridgeList(cmd *cobra.Command, args []string) error {
	b, err := openBridge()
	if err != nil {
		return err
	}

	tasks, err := b.Tasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	fmt.Printf("%d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Printf("  %-14s %-12s %s\n", t.ID, t.Status, truncate(t.Instruction, 60))
		if t.Notes != "" {
			fmt.Printf("  %-14s %-12s %s\n", "", "", truncate(t.Notes, 60))
		}
	}
	return nil
}

// runBridgeProcess drains the pending queue once
func runBridgeProcess(cmd *cobra.Command, args []string) error {
	b, err := openBridge()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	n, err := b.ProcessPending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Processed %d task(s)\n", n)
	return nil
}
