package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"swarm/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(runRouter, runWorker).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cliFlags are overrides applied on top of the configuration file.
type cliFlags struct {
	configPath   string
	logLevel     string
	addr         string
	apiKeys      []string
	defaultModel string
	routerURL    string
	engineURL    string
	metricsAddr  string
}

// runFunc starts one process role with the resolved configuration.
type runFunc func(ctx context.Context, cfg config.Config) error

func newRootCmd(routerRun, workerRun runFunc) *cobra.Command {
	var flags cliFlags

	root := &cobra.Command{
		Use:           "swarm",
		Short:         "OpenAI-compatible router dispatching chat completions to GPU worker nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (.yaml, .yml, .json, .toml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug|info|warn|error")

	routerCmd := &cobra.Command{
		Use:   "router",
		Short: "Run the router: public API and worker link endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return routerRun(cmd.Context(), cfg)
		},
	}
	routerCmd.Flags().StringVar(&flags.addr, "addr", "", "HTTP listen address, e.g. :3010")
	routerCmd.Flags().StringSliceVar(&flags.apiKeys, "api-key", nil, "Accepted API key (repeatable)")
	routerCmd.Flags().StringVar(&flags.defaultModel, "default-model", "", "Model served when a request names none")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker next to a local inference engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return workerRun(cmd.Context(), cfg)
		},
	}
	workerCmd.Flags().StringVar(&flags.routerURL, "router-url", "", "Router link URL, e.g. ws://127.0.0.1:3010/master/ws")
	workerCmd.Flags().StringVar(&flags.engineURL, "engine-url", "", "Inference engine base URL, e.g. http://127.0.0.1:8000")
	workerCmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics on this address")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(routerCmd, workerCmd, versionCmd)
	return root
}

// loadConfig reads the config file, if any, and applies flags that were set
// explicitly.
func loadConfig(cmd *cobra.Command, f *cliFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("addr") {
		cfg.Router.Addr = f.addr
	}
	if changed("api-key") {
		cfg.Router.APIKeys = f.apiKeys
	}
	if changed("default-model") {
		cfg.Router.DefaultModel = f.defaultModel
	}
	if changed("router-url") {
		cfg.Worker.RouterURL = f.routerURL
	}
	if changed("engine-url") {
		cfg.Worker.EngineURL = f.engineURL
	}
	if changed("metrics-addr") {
		cfg.Worker.MetricsAddr = f.metricsAddr
	}
	return cfg, nil
}
