// Package commands implements llmcorectl's cobra subcommands, using a
// package-level DB handle plus tabwriter reporting. There is no --api-url
// mode: this CLI is an operator tool talking straight to the database, not
// an end-user client.
package commands

import (
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var db *gorm.DB

// SetDB installs the database connection every subcommand uses.
func SetDB(database *gorm.DB) {
	db = database
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// currentMonthStart matches internal/budget's unexported periodStart for
// PeriodMonthly so CLI-created rows line up with what Guard looks up.
func currentMonthStart() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// mustDecimalStr parses a literal default constant; only called with
// hardcoded strings at package init paths, so a parse failure is a bug in
// this file, not bad input.
func mustDecimalStr(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
