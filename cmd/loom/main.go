// Loom routes questions to local reasoning and fast models, assembling a
// prompt from agent-mode instructions, project state, documentation passages
// and conversation history.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/loom/internal/config"
	"github.com/normanking/loom/internal/logging"
)

var version = "0.1.0"

var (
	cfgPath string
	verbose bool
	quiet   bool
	noColor bool

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - context-aware model orchestration",
		Long: `Loom sends each question to the right local model with the right context:
  • Role-based routing between a reasoning and a fast model
  • Agent modes (GENERAL, CODER, FAUST, JUCE, DOCS) with their own instructions
  • Shared project state synced between editor agents
  • Documentation passages from a local full-text index

Ask a question:       loom ask --mode FAUST "how do I write a lowpass?"
Assign a model:       loom roles set fast ollama llama3.2:3b
Serve editor agents:  loom mcp`,
		PersistentPreRunE: initLogging,
		SilenceUsage:      true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.loom/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log to the log file")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Loom v%s\n", version)
		},
	})

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(metaCmd())
	rootCmd.AddCommand(modesCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(mcpCmd())

	err := rootCmd.Execute()
	_ = logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initLogging(cmd *cobra.Command, args []string) error {
	setColorProfile(noColor)

	var err error
	cfg, err = loadConfig()
	if err != nil {
		return err
	}

	var lc *logging.Config
	if verbose {
		lc = logging.VerboseConfig()
	} else {
		lc = logging.DefaultConfig()
		lc.Level = cfg.Logging.Level
	}
	lc.Colored = !noColor
	lc.Console = !quiet
	lc.FilePath = cfg.Logging.File
	lc.MaxSizeMB = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups

	if _, err := logging.Setup(lc); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging disabled: %v\n", err)
	}

	log.Debug().
		Str("config", getConfigPath()).
		Str("version", version).
		Msg("loom started")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".loom", "config.yaml")
}

func loadConfig() (*config.Config, error) {
	c, err := config.LoadFromPath(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", getConfigPath(), err)
	}
	if err := c.EnsureDirectories(); err != nil {
		return nil, err
	}
	return c, nil
}
