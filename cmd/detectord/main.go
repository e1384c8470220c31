package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags),
		createRestartCommand(globalFlags),
		createAnalyzeCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "detectord",
		Short: "AI-text detection worker supervisor",
		Long: `detectord launches the AI-text analysis worker, waits for it to become
ready, restarts it when it stops answering and exposes an HTTP API for
analysis and file uploads.

Examples:
  detectord serve --config detectord.toml
  detectord status
  detectord analyze --text "Is this written by a model?"
  detectord analyze --file essay.txt --direct --config detectord.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the detectord daemon",
		Long: `Start the worker supervisor, the scheduled jobs and the HTTP API.
Configuration is read from the TOML file and DETECTORD_* environment variables.

Examples:
  detectord serve --config detectord.toml
  detectord serve detectord.toml --strict
  detectord serve --daemonize --pidfile /run/detectord.pid --logfile /var/log/detectord.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, serveFlags, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Strict, "strict", false, "exit when the worker cannot be started")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show worker state from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), newAPIClient(globalFlags), cmd.OutOrStdout())
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the worker through a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd.Context(), newAPIClient(globalFlags), cmd.OutOrStdout())
		},
	}
}

// createAnalyzeCommand creates the analyze subcommand
func createAnalyzeCommand(globalFlags *GlobalFlags) *cobra.Command {
	analyzeFlags := &AnalyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Classify text as AI-generated or not",
		Long: `Send text or a text file for analysis. By default the request goes
through the daemon; --direct calls the analysis endpoint from the config
without a daemon, with the same retry policy.

Examples:
  detectord analyze --text "some text"
  detectord analyze --file essay.txt
  detectord analyze --text "some text" --direct --config detectord.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			analyzeFlags.ConfigPath = globalFlags.ConfigPath
			return runAnalyze(cmd.Context(), globalFlags, analyzeFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&analyzeFlags.Text, "text", "", "text to analyze")
	cmd.Flags().StringVar(&analyzeFlags.File, "file", "", "text file to analyze")
	cmd.Flags().BoolVar(&analyzeFlags.Direct, "direct", false, "call the analysis endpoint without a daemon")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	cmd.MarkFlagsOneRequired("text", "file")
	return cmd
}
