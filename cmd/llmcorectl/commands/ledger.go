package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/llmcore/llmcore/internal/ledger"
)

// NewLedgerCommand reports tenant balances and initializes new tenants
// against the fractional billing event log.
func NewLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect tenant balances and initialize new tenants",
	}
	cmd.AddCommand(newLedgerStatusCommand())
	cmd.AddCommand(newLedgerInitCommand())
	return cmd
}

func newLedgerStatusCommand() *cobra.Command {
	var tenantID string
	var recentLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a tenant's balance and recent billing events",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}

			var balance ledger.TenantBalance
			if err := db.WithContext(context.Background()).
				Where("tenant_id = ?", id).First(&balance).Error; err != nil {
				return fmt.Errorf("load balance: %w", err)
			}

			fmt.Printf("tenant=%s tier=%s credit_balance=%s total_spent=%s total_saved=%s apis_accessed=%d\n",
				balance.TenantID, balance.Tier,
				balance.CreditBalance.StringFixed(6), balance.TotalSpent.StringFixed(6),
				balance.TotalSaved.StringFixed(6), balance.ApisAccessed)

			if recentLimit <= 0 {
				recentLimit = 20
			}
			var events []ledger.FractionalBillingEvent
			if err := db.WithContext(context.Background()).
				Where("tenant_id = ?", id).
				Order("timestamp DESC").
				Limit(recentLimit).
				Find(&events).Error; err != nil {
				return fmt.Errorf("load events: %w", err)
			}

			w := newTabWriter()
			defer w.Flush()
			fmt.Fprintf(w, "TIMESTAMP\tAPI\tRULE\tORIGINAL\tCHARGED\tSAVED\tSTATUS\n")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02T15:04:05"), e.APIName, e.PricingRuleUsed,
					e.OriginalCost.StringFixed(6), e.FractionalAmount.StringFixed(6),
					e.CostSavings.StringFixed(6), e.PaymentStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant UUID")
	cmd.Flags().IntVar(&recentLimit, "recent", 20, "number of recent events to show")
	cmd.MarkFlagRequired("tenant-id")
	return cmd
}

func newLedgerInitCommand() *cobra.Command {
	var tenantID, tier string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a tenant balance with its tier's monthly credit grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}

			t := ledger.Tier(tier)
			switch t {
			case ledger.TierDemo, ledger.TierStarter, ledger.TierPro, ledger.TierEnterprise:
			default:
				return fmt.Errorf("invalid --tier: must be one of demo, starter, pro, enterprise")
			}

			l := ledger.New(db, nil, nil, defaultTierCredits(), 3)
			balance, err := l.InitTenant(context.Background(), id, t)
			if err != nil {
				return fmt.Errorf("init tenant: %w", err)
			}
			fmt.Printf("tenant %s initialized: tier=%s credit_balance=%s\n", balance.TenantID, balance.Tier, balance.CreditBalance.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant UUID")
	cmd.Flags().StringVar(&tier, "tier", "", "billing tier: demo|starter|pro|enterprise")
	cmd.MarkFlagRequired("tenant-id")
	cmd.MarkFlagRequired("tier")
	return cmd
}

// defaultTierCredits mirrors internal/config's default monthly credit
// grants; the CLI runs without viper so it keeps its own copy of the same
// defaults rather than importing cmd/llmcored's wiring.
func defaultTierCredits() ledger.TierCredits {
	return ledger.TierCredits{
		ledger.TierDemo:       mustDecimalStr("5.00"),
		ledger.TierStarter:    mustDecimalStr("25.00"),
		ledger.TierPro:        mustDecimalStr("100.00"),
		ledger.TierEnterprise: mustDecimalStr("1000.00"),
	}
}
