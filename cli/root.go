// Package cli wires the extraction pipeline behind the orgatlas command:
// `orgatlas run` executes phases, `orgatlas cache` manages the response
// cache, `orgatlas version` prints build information.
package cli

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"orgatlas.dev/common"
	"orgatlas.dev/config"
	"orgatlas.dev/pipeline"
)

// ErrPartial marks a run that finished with failed refs. It is resumable
// and maps to exit code 2.
var ErrPartial = errors.New("run finished with errors")

// cfgFile is the --config flag value.
var cfgFile string

// RootCmd is the orgatlas entry command.
var RootCmd = &cobra.Command{
	Use:   "orgatlas",
	Short: "Extract a Salesforce org's schema into a searchable corpus",
	Long: `orgatlas walks a Salesforce org through the sf CLI, describes and
enriches every relevant object, and emits a chunked text corpus suitable
for a vector index. Runs are cached, rate limited, and resumable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./orgatlas.yaml, ~/.orgatlas, /etc/orgatlas)")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(cacheCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI and maps the outcome to a process exit code:
// 0 success, 2 partial or quota-walled (resumable), 1 anything else.
func Execute() int {
	err := RootCmd.Execute()
	if err == nil {
		return 0
	}
	common.Logger.Error(err)
	if errors.Is(err, pipeline.ErrQuotaWall) || errors.Is(err, ErrPartial) {
		common.Logger.Info("Run is resumable: rerun with --resume to retry the failed refs")
		return 2
	}
	return 1
}

// newLogger builds the run logger from configuration plus flag overrides.
func newLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	level := cfg.Logging.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	format := cfg.Logging.Format
	if flag, _ := cmd.Flags().GetString("log-format"); flag != "" {
		format = flag
	}
	return common.NewLogger(common.LoggerConfig{
		Level:      common.LogLevel(level),
		Format:     format,
		TimeFormat: time.RFC3339,
	})
}
