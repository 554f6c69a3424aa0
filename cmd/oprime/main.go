package main

import (
	"fmt"
	"os"

	"oprime/internal/config"
	"oprime/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	cfgPath   string
	apiKey    string
	workspace string
	project   string

	// Loaded configuration, shared by all commands
	cfg     *config.Config
	userCfg *config.UserConfig

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "oprime",
	Short: "oprime - LLM Manager / CLI Worker orchestration engine",
	Long: `oprime orchestrates a development loop between an LLM Manager and a
CLI Worker through a file handshake.

The Manager (Gemini) decides the next step for a project goal and writes it
as an instruction file. The Worker performs the step and reports back through
a result file, which feeds the next Manager call. oprime owns the state
machine, the conversation history, and the durable project records.

Run without arguments to start the interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		userCfg, err = config.LoadUserConfig(config.DefaultUserConfigPath())
		if err != nil {
			return err
		}
		userCfg.Apply(cfg)
		if apiKey != "" {
			cfg.Gemini.APIKey = apiKey
		}

		if err := logging.Initialize(cfg.Paths.DataDir, cfgPath); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}

		// Skip zap init for interactive mode (it has its own UI)
		if cmd.Use == "oprime" && cmd.CalledAs() == "oprime" {
			return nil
		}

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch the interactive session
		return runInteractiveSession()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultConfigPath(), "Path to the oprime config file")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.Flags().StringVarP(&project, "project", "p", "", "Project to open in the interactive session")

	// Add commands to root
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the --workspace flag or the current directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, _ := os.Getwd()
	return cwd
}

func joinArgs(args []string) string {
	result := ""
	for i, arg := range args {
		if i > 0 {
			result += " "
		}
		result += arg
	}
	return result
}
