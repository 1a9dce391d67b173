package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulgrammer/genbatch/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "batchgen",
	Short: "Run batches of remote generation jobs",
	Long: `batchgen submits a batch of jobs to the remote generation API, polls them
concurrently and copies every finished artifact to disk.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := config.ParseLogLevel(viper.GetString("log_level"))
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.batchgen/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "INFO", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("history-file", "", "history file (default video_history.json)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("history_file", rootCmd.PersistentFlags().Lookup("history-file"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".batchgen"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(config.Prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// loadConfig starts from the environment defaults and applies every value
// set through a flag or the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	str := map[string]*string{
		"api_base_url":     &cfg.APIBaseURL,
		"submit_path":      &cfg.SubmitPath,
		"poll_path":        &cfg.PollPath,
		"credentials_file": &cfg.CredentialsFile,
		"api_token":        &cfg.APIToken,
		"output_dir":       &cfg.OutputDir,
		"webhook_url":      &cfg.WebhookURL,
		"history_file":     &cfg.HistoryFile,
		"log_level":        &cfg.LogLevel,
	}
	for key, dst := range str {
		if viper.IsSet(key) && viper.GetString(key) != "" {
			*dst = viper.GetString(key)
		}
	}
	if viper.IsSet("web_app_id") {
		cfg.WebAppID = viper.GetInt("web_app_id")
	}
	if viper.IsSet("max_concurrent") {
		cfg.MaxConcurrent = viper.GetInt("max_concurrent")
	}
	if viper.IsSet("rate_limit_rps") {
		cfg.RateLimitRPS = viper.GetFloat64("rate_limit_rps")
	}
	if viper.IsSet("poll_interval") {
		cfg.PollInterval = viper.GetDuration("poll_interval")
	}
	if viper.IsSet("poll_timeout") {
		cfg.PollTimeout = viper.GetDuration("poll_timeout")
	}
	if viper.IsSet("download_idle_timeout") {
		cfg.DownloadIdleTimeout = viper.GetDuration("download_idle_timeout")
	}
	return cfg, cfg.Validate()
}
