package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
)

// Sweeps every bucket in the ledger, reports aggregates, and flags buckets
// whose dimensioned balance has gone negative (which a correct split flow
// can never produce). Optionally exports the balances to an xlsx for the
// warehouse team.

type bucketBalanceRow struct {
	BucketKey   string          `gorm:"column:bucket_key"`
	ProductCode string          `gorm:"column:product_code"`
	EntryCount  int             `gorm:"column:entry_count"`
	Balance     decimal.Decimal `gorm:"column:balance"`
}

func main() {
	exportPath := flag.String("export", "", "Optional: write balances to this xlsx file")
	negativeOnly := flag.Bool("negative-only", false, "Print only buckets with a negative balance")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	sql := `
SELECT
    bucket_key,
    MIN(product_code) AS product_code,
    COUNT(*) AS entry_count,
    COALESCE(SUM(qty), 0) AS balance
FROM
    ledger_entries
WHERE
    item_kind = 'R'
GROUP BY
    bucket_key
ORDER BY
    bucket_key;
`
	var rows []*bucketBalanceRow
	if err := db.Raw(sql).Scan(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}

	negatives := 0
	for _, row := range rows {
		if row.Balance.IsNegative() {
			negatives++
		}
		if *negativeOnly && !row.Balance.IsNegative() {
			continue
		}
		marker := " "
		if row.Balance.IsNegative() {
			marker = "!"
		}
		fmt.Printf("%s %-60s entries=%-6d balance=%s\n", marker, row.BucketKey, row.EntryCount, row.Balance)
	}
	fmt.Printf("\n%d buckets, %d negative\n", len(rows), negatives)

	if strings.TrimSpace(*exportPath) != "" {
		if err := exportBalances(rows, *exportPath); err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *exportPath)
	}

	if negatives > 0 {
		os.Exit(2)
	}
}

func exportBalances(rows []*bucketBalanceRow, filename string) error {
	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "BucketKey")
	f.SetCellValue("Sheet1", "B1", "ProductCode")
	f.SetCellValue("Sheet1", "C1", "EntryCount")
	f.SetCellValue("Sheet1", "D1", "Balance")

	// Add data
	for i, row := range rows {
		f.SetCellValue("Sheet1", "A"+fmt.Sprint(i+2), row.BucketKey)
		f.SetCellValue("Sheet1", "B"+fmt.Sprint(i+2), row.ProductCode)
		f.SetCellValue("Sheet1", "C"+fmt.Sprint(i+2), row.EntryCount)
		f.SetCellValue("Sheet1", "D"+fmt.Sprint(i+2), row.Balance.InexactFloat64())
	}

	return f.SaveAs(filename)
}
