package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	env     string
	verbose bool
	memory  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "tradeflow - 일별 체결 집계 엔진",
	Long: `tradeflow Unified CLI

일별 raw 체결 덤프를 broker / stock / sector 단위 요약 테이블로 집계합니다.
이미 집계된 (partition, flavor)는 건너뛰므로 반복 실행해도 안전합니다.

Usage:
  go run ./cmd/flow [command]

Examples:
  go run ./cmd/flow aggregate run --feature broker_summary
  go run ./cmd/flow aggregate flavors
  go run ./cmd/flow partitions list
  go run ./cmd/flow scheduler start
  go run ./cmd/flow api`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// config.Load is the only reader of the environment
		if cmd.Flags().Changed("env") {
			os.Setenv("ENV", env)
		}
		if verbose {
			os.Setenv("LOG_LEVEL", "debug")
		}
		if memory {
			os.Setenv("JOBLOG_DRIVER", "memory")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&env, "env", "development", "environment (development|staging|production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&memory, "memory-joblog", false, "keep the job log in memory instead of PostgreSQL")
}
