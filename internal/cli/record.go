package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/lazypower/restock/internal/store"
	"github.com/spf13/cobra"
)

var (
	recordQuantity int
	recordAt       string
)

var recordCmd = &cobra.Command{
	Use:   "record <household> <product>",
	Short: "Record a purchase event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if recordQuantity < 1 {
			return fmt.Errorf("quantity must be at least 1, got %d", recordQuantity)
		}
		ev := &store.PurchaseEvent{
			HouseholdID: args[0],
			ProductID:   args[1],
			Quantity:    recordQuantity,
		}
		if recordAt != "" {
			at, err := parseWhen(recordAt)
			if err != nil {
				return err
			}
			ev.PurchasedAt = at
		}

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.RecordPurchase(cmd.Context(), ev); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %s x%d for %s at %s\n",
			ev.ProductID, ev.Quantity, ev.HouseholdID, ev.PurchasedAt.Format(time.RFC3339))
		return nil
	},
}

// parseWhen accepts RFC 3339 timestamps or plain dates.
func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

var rulesStatus string

var rulesCmd = &cobra.Command{
	Use:   "rules [household]",
	Short: "List inventory rules",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := store.RuleFilter{Status: store.RuleStatus(rulesStatus)}
		if len(args) == 1 {
			f.HouseholdID = args[0]
		}

		db, _, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rules, err := db.ListRules(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no rules")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HOUSEHOLD\tPRODUCT\tEMA DAYS\tCONFIDENCE\tSTATUS\tOVERRIDE\tLAST PURCHASE")
		for _, r := range rules {
			last := "-"
			if r.LastPurchasedAt != nil {
				last = r.LastPurchasedAt.Format(time.DateOnly)
			}
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.0f\t%s\t%t\t%s\n",
				r.HouseholdID, r.ProductID, r.EMADays, r.ConfidenceScore, r.Status, r.ManualOverride, last)
		}
		return tw.Flush()
	},
}

func init() {
	recordCmd.Flags().IntVarP(&recordQuantity, "quantity", "q", 1, "units bought")
	recordCmd.Flags().StringVar(&recordAt, "at", "", "purchase time, RFC 3339 or YYYY-MM-DD (default: now)")
	rulesCmd.Flags().StringVar(&rulesStatus, "status", "", "filter by status (auto_add, suggest_only, manual_only)")
}
