// Package commands defines all Cobra CLI commands for the techrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/v3ct0r/techrag-go/internal/audit"
	"github.com/v3ct0r/techrag-go/internal/config"
	"github.com/v3ct0r/techrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "techrag",
		Short: "techrag — a research engine for cybersecurity techniques",
		Long: `techrag researches cybersecurity techniques and maintains a store of
structured defensive documentation per technique and platform.

Reference material (threat reports, framework docs, advisories) is indexed
into a vector store with 'techrag ingest'. Research tasks are queued with
'techrag enqueue' and processed by 'techrag work', which retrieves relevant
context, prompts the configured LLM, and stores a scored six-section
document. Results are searched with 'techrag search', rendered with
'techrag show', and served over HTTP with 'techrag serve'.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.techrag/config.yaml).
See 'techrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.techrag/config.yaml)")

	root.AddCommand(
		NewIngestCmd(),
		NewEnqueueCmd(),
		NewWorkCmd(),
		NewSearchCmd(),
		NewShowCmd(),
		NewArchiveCmd(),
		NewRetryCmd(),
		NewStatsCmd(),
		NewExportCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
