package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bebsworthy/toolbridge/internal/config"
)

var (
	// Global flags
	configFile string
	bridgeURL  string
	verbose    bool

	// v collects defaults, the config file, the environment and bound flags.
	v = viper.New()

	// Global configuration
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolbridge",
	Short: "toolbridge - HTTP and WebSocket front end for a stdio JSON-RPC tool server",
	Long: `toolbridge runs a tool server as a child process, speaking newline-delimited
JSON-RPC over its stdin and stdout, and exposes it to many concurrent clients over
HTTP and WebSocket.

The bridge correlates responses with requests, times out slow calls, queues traffic
while the tool server is down and restarts it with exponential backoff.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $TOOLBRIDGE_CONFIG or ./toolbridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&bridgeURL, "url", "", "bridge URL for client commands (default is $TOOLBRIDGE_URL or derived from server.host/port)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig reads in config file and ENV variables if set.
func initConfig(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("TOOLBRIDGE_CONFIG")
	}

	if err := config.Bind(v); err != nil {
		return err
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("toolbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.toolbridge")
		v.AddConfigPath("/etc/toolbridge")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return fmt.Errorf("error loading configuration: %w", err)
		}
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Verbose = true
		cfg.Logging.Level = "debug"
	}
	appConfig = cfg

	if cfg.Logging.Verbose {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "Loaded configuration from: %s\n", used)
		} else {
			fmt.Fprintf(os.Stderr, "Using default configuration\n")
		}
	}
	return nil
}

// GetConfig returns the global configuration
// This should be called after cobra initialization
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// resolveBridgeURL picks the URL client commands talk to.
func resolveBridgeURL() string {
	if bridgeURL != "" {
		return bridgeURL
	}
	if env := os.Getenv("TOOLBRIDGE_URL"); env != "" {
		return env
	}
	cfg := GetConfig()
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
