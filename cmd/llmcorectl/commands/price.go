package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"

	"github.com/llmcore/llmcore/internal/pricing"
)

// NewPriceCommand lists and ingests rows in the append-only model_pricing
// table.
func NewPriceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price",
		Short: "Inspect and ingest model price rows",
	}
	cmd.AddCommand(newPriceListCommand())
	cmd.AddCommand(newPriceIngestCommand())
	return cmd
}

func newPriceListCommand() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest known price row per (provider, model)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := db.WithContext(context.Background()).Model(&pricing.Row{})
			if provider != "" {
				q = q.Where("provider = ?", provider)
			}

			var rows []pricing.Row
			if err := q.Order("provider, model, effective_from DESC").Find(&rows).Error; err != nil {
				return fmt.Errorf("list prices: %w", err)
			}

			seen := make(map[string]bool, len(rows))
			w := newTabWriter()
			defer w.Flush()
			fmt.Fprintf(w, "PROVIDER\tMODEL\tEFFECTIVE FROM\tINPUT/1K\tOUTPUT/1K\n")
			for _, r := range rows {
				key := r.Provider + "|" + r.Model
				if seen[key] {
					continue
				}
				seen[key] = true
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.Provider, r.Model, r.EffectiveFrom.Format(time.RFC3339),
					r.InputPer1K.StringFixed(6), r.OutputPer1K.StringFixed(6))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	return cmd
}

func newPriceIngestCommand() *cobra.Command {
	var provider, model string
	var inputPer1K, outputPer1K float64

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add a new price row effective immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" || model == "" {
				return fmt.Errorf("--provider and --model are required")
			}

			row := pricing.Row{
				Provider:      provider,
				Model:         model,
				EffectiveFrom: time.Now().UTC(),
				InputPer1K:    decimal.NewFromFloat(inputPer1K),
				OutputPer1K:   decimal.NewFromFloat(outputPer1K),
			}

			err := db.WithContext(context.Background()).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "effective_from"}},
					DoNothing: true,
				}).
				Create(&row).Error
			if err != nil {
				return fmt.Errorf("ingest price: %w", err)
			}
			fmt.Printf("ingested %s/%s effective %s\n", provider, model, row.EffectiveFrom.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().Float64Var(&inputPer1K, "input-per-1k", 0, "input cost per 1K tokens, USD")
	cmd.Flags().Float64Var(&outputPer1K, "output-per-1k", 0, "output cost per 1K tokens, USD")
	cmd.MarkFlagRequired("provider")
	cmd.MarkFlagRequired("model")
	return cmd
}
