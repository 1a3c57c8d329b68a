package main

import (
	"os"

	"github.com/sharkey-go/latestnote/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "latestnote",
		Short:         "Latest-note projection service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newRebuildCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("scheduler-workers", defaults.GetInt("scheduler.workers"), "Background projection workers")
	flags.Int("scheduler-queue-size", defaults.GetInt("scheduler.queue_size"), "Background projection queue size")
	flags.Bool("prune-dangling", defaults.GetBool("projection.prune_dangling"), "Delete projection rows whose key has no eligible note left")
	flags.String("cache-backend", defaults.GetString("cache.backend"), "Followee cache backend (memory, redis)")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis cache backend")
	flags.String("amqp-url", defaults.GetString("amqp.url"), "AMQP broker URL; empty applies events in process")
	flags.String("jaeger-endpoint", defaults.GetString("tracing.jaeger_endpoint"), "Jaeger collector endpoint; empty disables tracing")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "scheduler.workers", "scheduler-workers")
	bindFlag(cmd, "scheduler.queue_size", "scheduler-queue-size")
	bindFlag(cmd, "projection.prune_dangling", "prune-dangling")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "tracing.jaeger_endpoint", "jaeger-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}
