package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/models"
)

// Seeds a local database with a small roll catalog (one vendor, one master
// width plus its narrower variants) and an opening ledger row per bucket.
// Meant for development and demos only.

func main() {
	confirm := flag.String("confirm", "", "Type SEED to proceed")
	openingArea := flag.Float64("opening-area", 100, "Opening area per bucket")
	flag.Parse()

	if strings.TrimSpace(*confirm) != "SEED" {
		fmt.Fprintln(os.Stderr, "set --confirm=SEED to proceed (writes to the configured database)")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	models.MigrateTable()

	catalog := []models.ProductAttribute{
		{ProductCode: "ROLL-1000-STD", Width: 1000, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss", Description: "Master roll 1000mm"},
		{ProductCode: "ROLL-600-STD", Width: 600, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss", Description: "Slit roll 600mm"},
		{ProductCode: "ROLL-400-STD", Width: 400, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss", Description: "Slit roll 400mm"},
		{ProductCode: "ROLL-250-STD", Width: 250, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss", Description: "Slit roll 250mm"},
		{ProductCode: "ROLL-1000-HT", Width: 1000, VendorId: "vendor-b", AdhesiveType: "hotmelt", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss", Description: "Master roll 1000mm hotmelt"},
	}

	price := decimal.NewFromFloat(1.25)
	opening := decimal.NewFromFloat(*openingArea)

	err := db.Transaction(func(tx *gorm.DB) error {
		for i := range catalog {
			if err := tx.Where("product_code = ?", catalog[i].ProductCode).
				FirstOrCreate(&catalog[i]).Error; err != nil {
				return err
			}
		}
		for _, p := range catalog {
			if p.Width < 1000 {
				// Only master rolls get opening stock.
				continue
			}
			entry := &models.LedgerEntry{
				ID:                uuid.NewString(),
				OrderId:           1,
				BucketKey:         models.NormalizeBucketKey(p.ProductCode, price),
				ItemKind:          models.ItemKindRoll,
				ProductCode:       p.ProductCode,
				Qty:               opening,
				DeclaredUnitPrice: price,
				ActualUnitPrice:   price,
				Description:       "Opening stock (seed)",
				CorrelationId:     "seed-dev",
			}
			var count int64
			if err := tx.Model(&models.LedgerEntry{}).
				Where("bucket_key = ? AND description = ?", entry.BucketKey, entry.Description).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := models.InsertLedgerEntry(tx, entry); err != nil {
				return err
			}
			fmt.Printf("seeded %s with %s\n", entry.BucketKey, entry.Qty)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("seed complete")
}
