package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/listsync"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the EMA update and rule evaluation once against the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng := engine.New(db, engine.ParamsFromConfig(cfg.Engine))
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Engine.RunTimeout)
		defer cancel()

		sum, err := eng.Run(ctx)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		return printSummary(cmd.OutOrStdout(), sum)
	},
}

var triggerSecret string

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to run the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := triggerSecret
		if secret == "" {
			secret = os.Getenv("RESTOCK_RUN_SECRET")
		}
		if secret == "" {
			secret = cfg.Auth.RunSecret
		}
		if secret == "" {
			return errors.New("no run secret: pass --secret or set RESTOCK_RUN_SECRET")
		}

		remote := listsync.NewHTTPRemote(cfg.ServerURL())
		var sum engine.Summary
		err := common.WithRetry(cmd.Context(), func() error {
			var err error
			sum, err = remote.Run(cmd.Context(), secret)
			return err
		}, common.DefaultRetryOptions)
		if err != nil {
			return fmt.Errorf("trigger run: %w", err)
		}
		return printSummary(cmd.OutOrStdout(), sum)
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerSecret, "secret", "", "run secret (default: RESTOCK_RUN_SECRET or auth.run_secret)")
}

func printSummary(w io.Writer, sum engine.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
