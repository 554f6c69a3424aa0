package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"oprime/internal/store"
	"oprime/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// initCmd writes the default configuration and creates the database
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize oprime configuration and storage",
	Long: `Creates the .oprime/ data directory, writes the default config file
and opens the project database once so the schema exists.

Run this once, then register projects with 'oprime projects add'.`,
	RunE: runInit,
}

// projectsCmd manages the durable project records
var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage orchestrated projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE:  runProjectsList,
}

var projectsAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a new project",
	Long: `Registers a project to orchestrate. The workspace is taken from the
--workspace flag (default: current directory) and must exist; the goal text
is what the Manager backend steers every task toward.

Example:
  oprime projects add billing-api -w ~/src/billing --goal "Port the API to v2"`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectsAdd,
}

var projectsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show one project with its saved run state",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectsShow,
}

var projectsRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Delete a project and its saved state",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectsRemove,
}

func init() {
	var goal string
	projectsAddCmd.Flags().StringVar(&goal, "goal", "", "Overall goal for the Manager (required)")
	projectsAddCmd.MarkFlagRequired("goal")

	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsShowCmd)
	projectsCmd.AddCommand(projectsRemoveCmd)
}

// openStore opens the configured project database.
func openStore() (*store.Store, error) {
	return store.New(cfg.Paths.Database)
}

// runInit seeds the config file and the database
func runInit(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := cfg.Save(cfgPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("✓ Config written to %s\n", cfgPath)
	} else {
		fmt.Printf("✓ Config already present at %s\n", cfgPath)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()
	fmt.Printf("✓ Database ready at %s\n", st.Path())

	if cfg.Gemini.APIKey == "" {
		fmt.Println("✗ Gemini API key not configured (set GEMINI_API_KEY)")
	} else {
		fmt.Println("✓ Gemini API key configured")
	}

	fmt.Println("\nNext: register a project with 'oprime projects add'.")
	return nil
}

// runProjectsList prints all registered projects
func runProjectsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	projects, err := st.LoadProjects()
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects registered. Add one with 'oprime projects add'.")
		return nil
	}

	fmt.Printf("%d project(s):\n\n", len(projects))
	for _, p := range projects {
		status := "IDLE"
		if ps, err := st.LoadProjectState(p.ID); err == nil && ps != nil {
			status = ps.CurrentStatus
		}
		fmt.Printf("  %-20s %-28s %s\n", p.Name, status, p.WorkspaceRootPath)
		fmt.Printf("  %-20s goal: %s\n", "", truncate(p.OverallGoal, 70))
	}
	return nil
}

// runProjectsAdd registers a new project record
func runProjectsAdd(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	goal, _ := cmd.Flags().GetString("goal")
	ws := resolveWorkspace()

	absWS, err := filepath.Abs(ws)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	info, err := os.Stat(absWS)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("workspace %s is not an existing directory", absWS)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if existing, err := st.GetProjectByName(name); err == nil && existing != nil {
		return fmt.Errorf("project %q already exists (workspace %s)", name, existing.WorkspaceRootPath)
	}

	p := &types.Project{
		Name:              name,
		WorkspaceRootPath: absWS,
		OverallGoal:       strings.TrimSpace(goal),
	}
	if err := st.SaveProject(p); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	logger.Info("Project registered",
		zap.String("name", p.Name),
		zap.String("workspace", p.WorkspaceRootPath))

	fmt.Printf("✓ Project %q registered\n", p.Name)
	fmt.Printf("  ID:        %s\n", p.ID)
	fmt.Printf("  Workspace: %s\n", p.WorkspaceRootPath)
	fmt.Printf("  Goal:      %s\n", p.OverallGoal)
	fmt.Printf("\nStart it with 'oprime --project %s'.\n", p.Name)
	return nil
}

// runProjectsShow prints one project and its saved run state
func runProjectsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetProjectByName(args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %q not found", args[0])
	}

	fmt.Printf("Project %q\n", p.Name)
	fmt.Printf("  ID:        %s\n", p.ID)
	fmt.Printf("  Workspace: %s\n", p.WorkspaceRootPath)
	fmt.Printf("  Goal:      %s\n", p.OverallGoal)

	ps, err := st.LoadProjectState(p.ID)
	if err != nil || ps == nil {
		fmt.Println("  State:     (never run)")
		return nil
	}

	fmt.Printf("  State:     %s\n", ps.CurrentStatus)
	fmt.Printf("  History:   %d turn(s)\n", ps.HistoryLen())
	if ps.PendingUserQuestion != "" {
		fmt.Printf("  Pending question: %s\n", truncate(ps.PendingUserQuestion, 70))
	}
	if ps.LastInstructionSent != "" {
		fmt.Printf("  Last instruction: %s\n", truncate(ps.LastInstructionSent, 70))
	}
	if ps.ContextSummary != "" {
		fmt.Printf("  Summary:   %s\n", truncate(ps.ContextSummary, 70))
	}
	return nil
}

// runProjectsRemove deletes a project record
func runProjectsRemove(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetProjectByName(args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %q not found", args[0])
	}
	if err := st.DeleteProject(p.ID); err != nil {
		return err
	}

	logger.Info("Project removed", zap.String("name", p.Name))
	fmt.Printf("✓ Project %q removed\n", p.Name)
	return nil
}

// truncate shortens s for single-line display.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
