package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inference-sim/vpmu/bus"
	"github.com/inference-sim/vpmu/config"

	// Simulator registrations.
	_ "github.com/inference-sim/vpmu/branch/predictor"
	_ "github.com/inference-sim/vpmu/cache/dinero"
	_ "github.com/inference-sim/vpmu/insn/inorder"
)

var (
	cfgFile  string // Stream configuration file
	logLevel string // Log verbosity level
)

var rootCmd = &cobra.Command{
	Use:   "vpmu",
	Short: "Virtual PMU event bus driving pluggable micro-architecture simulators",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel = viper.GetString("log")
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Stream configuration file (YAML); built-in defaults when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))
}

// initConfig lets VPMU_* environment variables override unset flags, so
// worker processes inherit the producer's log level.
func initConfig() {
	viper.SetEnvPrefix("VPMU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig returns the file named by --config, or the defaults.
func loadConfig() (*config.File, error) {
	path := viper.GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func platformOf(f *config.File) bus.Platform {
	return bus.Platform{
		CPUCores:     f.Platform.CPUCores,
		GPUCores:     f.Platform.GPUCores,
		FrequencyMHz: f.Platform.FrequencyMHz,
	}
}
