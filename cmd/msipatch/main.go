package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/msipatch/internal/config"
	"github.com/breeze-rmm/msipatch/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
	verbose bool

	cfg     *config.Config
	logFile *os.File
)

var log = logging.L("cli")

var rootCmd = &cobra.Command{
	Use:   "msipatch",
	Short: "Sequence and apply Windows Installer patches",
	Long: `msipatch determines which patches apply to a product and in what order,
and applies their transforms directly to a product database.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "msipatch v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is msipatch.yaml in the config directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(sequenceCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(iceCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	result := loaded.ValidateTiered()
	if result.HasFatals() {
		return fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}
	if verbose {
		loaded.LogLevel = "debug"
	}

	var output io.Writer = cmd.ErrOrStderr()
	if loaded.LogFile != "" {
		f, err := logging.OpenFile(loaded.LogFile)
		if err != nil {
			return err
		}
		logFile = f
		output = f
	}
	logging.Init(loaded.LogFormat, loaded.LogLevel, output)

	for _, w := range result.Warnings {
		log.Warn("config validation", "error", w)
	}

	cfg = loaded
	return nil
}
