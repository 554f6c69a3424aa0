package main

import (
	"fmt"
	"os"

	"oprime/internal/logging"

	"github.com/spf13/cobra"
)

// statusCmd shows system status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show oprime system status",
	RunE:  showStatus,
}

// showStatus displays configuration, storage, and project health
func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("oprime System Status")
	fmt.Println("====================")
	fmt.Printf("Version: %s\n", cfg.Version)
	fmt.Printf("Config:  %s\n", cfgPath)
	fmt.Println()

	// Backend
	if cfg.Gemini.APIKey != "" {
		fmt.Println("✓ Gemini API key configured")
	} else {
		fmt.Println("✗ Gemini API key not configured (set GEMINI_API_KEY)")
	}
	fmt.Printf("✓ Model: %s\n", cfg.Gemini.Model)

	// File logging
	if logging.IsDebugMode() {
		fmt.Println("✓ Debug file logging enabled")
	} else {
		fmt.Println("  Debug file logging disabled (logging.debug_mode)")
	}

	// Bridge
	if cfg.Bridge.WorkerCommand != "" {
		fmt.Printf("✓ Worker command: %s\n", cfg.Bridge.WorkerCommand)
	} else {
		fmt.Println("✗ Worker command not configured (bridge.worker_command); 'oprime bridge run' unavailable")
	}
	fmt.Println()

	// Storage
	if _, err := os.Stat(cfg.Paths.Database); os.IsNotExist(err) {
		fmt.Printf("✗ Database missing at %s (run 'oprime init')\n", cfg.Paths.Database)
		return nil
	}
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	stats := st.GetStats()
	fmt.Printf("✓ Database: %s\n", st.Path())
	fmt.Printf("  Projects: %d\n", stats["projects"])
	fmt.Printf("  States:   %d\n", stats["project_states"])
	fmt.Printf("  Turns:    %d\n", stats["turns"])

	projects, err := st.LoadProjects()
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		fmt.Println()
		for _, p := range projects {
			status := "IDLE"
			if ps, err := st.LoadProjectState(p.ID); err == nil && ps != nil {
				status = ps.CurrentStatus
			}
			marker := "✓"
			if status == "ERROR" {
				marker = "✗"
			}
			fmt.Printf("%s %-20s %s\n", marker, p.Name, status)
		}
	}

	return nil
}
