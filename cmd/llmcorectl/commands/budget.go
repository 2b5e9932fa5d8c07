package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/llmcore/llmcore/internal/budget"
)

// NewBudgetCommand reports and adjusts TenantBudget rows.
func NewBudgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and adjust tenant budgets",
	}
	cmd.AddCommand(newBudgetStatusCommand())
	cmd.AddCommand(newBudgetSetCommand())
	return cmd
}

func newBudgetStatusCommand() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current monthly budget row for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}

			var row budget.TenantBudget
			if err := db.WithContext(context.Background()).
				Where("tenant_id = ? AND period = ?", id, budget.PeriodMonthly).
				Order("period_start DESC").
				First(&row).Error; err != nil {
				return fmt.Errorf("load budget: %w", err)
			}

			w := newTabWriter()
			defer w.Flush()
			fmt.Fprintf(w, "TENANT\tPERIOD START\tSOFT LIMIT\tHARD LIMIT\tUSAGE\tSTATE\n")
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				row.TenantID, row.PeriodStart.Format("2006-01-02"),
				row.SoftLimitUSD.StringFixed(2), row.HardLimitUSD.StringFixed(2),
				row.UsageToDate.StringFixed(2), row.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant UUID")
	cmd.MarkFlagRequired("tenant-id")
	return cmd
}

func newBudgetSetCommand() *cobra.Command {
	var tenantID string
	var soft, hard float64

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a tenant's monthly soft/hard limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant-id: %w", err)
			}
			if soft <= 0 || hard <= 0 || soft > hard {
				return fmt.Errorf("--soft and --hard must be positive, and soft must not exceed hard")
			}

			periodStart := currentMonthStart()
			var row budget.TenantBudget
			err = db.WithContext(context.Background()).
				Where("tenant_id = ? AND period = ? AND period_start = ?", id, budget.PeriodMonthly, periodStart).
				First(&row).Error
			if err != nil {
				row = budget.TenantBudget{
					TenantID: id, Period: budget.PeriodMonthly, PeriodStart: periodStart,
					State: budget.StateOK,
				}
			}
			row.SoftLimitUSD = decimal.NewFromFloat(soft)
			row.HardLimitUSD = decimal.NewFromFloat(hard)

			if err := db.WithContext(context.Background()).Save(&row).Error; err != nil {
				return fmt.Errorf("save budget: %w", err)
			}
			fmt.Printf("budget updated for %s: soft=%.2f hard=%.2f\n", id, soft, hard)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant UUID")
	cmd.Flags().Float64Var(&soft, "soft", 0, "soft limit in USD")
	cmd.Flags().Float64Var(&hard, "hard", 0, "hard limit in USD")
	cmd.MarkFlagRequired("tenant-id")
	cmd.MarkFlagRequired("soft")
	cmd.MarkFlagRequired("hard")
	return cmd
}
