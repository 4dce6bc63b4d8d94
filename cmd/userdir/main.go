package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"userdir.org/internal/config"
	"userdir.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
}

func main() {
	a := &app{v: config.New()}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "userdir",
		Short:         "Multi-tenant user directory",
		Long:          "userdir serves and maintains the user directory of a groupware installation.\nEvery setting can also be passed as USERDIR_<KEY> environment variable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (yaml, toml or json)")
	flags.String("pg-dsn", "", "PostgreSQL DSN")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("cache-backend", config.CacheMemory, "cache backend: memory, redis or none")
	flags.String("redis-url", "", "Redis URL for the redis cache backend")
	_ = a.v.BindPFlag(config.KeyPGDSN, flags.Lookup("pg-dsn"))
	_ = a.v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
	_ = a.v.BindPFlag(config.KeyCacheBackend, flags.Lookup("cache-backend"))
	_ = a.v.BindPFlag(config.KeyRedisURL, flags.Lookup("redis-url"))

	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.userCmd(), a.versionCmd())
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "userdir %s (%s)\n", version, commit)
		},
	}
}
