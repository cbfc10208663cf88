package cli

import (
	"context"
	"fmt"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/config"
	"github.com/lazypower/restock/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     config.Config
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "restock",
	Short: "Purchase-cycle prediction for household shopping lists",
	Long: "Restock learns how often a household buys each product and keeps the shopping list\n" +
		"ahead of it: confident products are added automatically, the rest are suggested.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command. Cancelling ctx interrupts one-shot commands.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.restock/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("db", "", "database path (default: $HOME/.restock/restock.db)")

	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(rulesCmd)
}

func initConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	if err := common.SetupLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	return nil
}

// openDB opens the configured database, falling back to the default path.
func openDB() (*store.DB, string, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	return db, dbPath, nil
}
