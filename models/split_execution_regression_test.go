package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/rollstock_backend/config"
	"bitbucket.org/mmdatafocus/rollstock_backend/models"
	"bitbucket.org/mmdatafocus/rollstock_backend/utils"
)

func seedCatalog(t *testing.T) {
	t.Helper()
	db := config.GetDB()
	catalog := []models.ProductAttribute{
		{ProductCode: "ROLL-1000-STD", Width: 1000, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss"},
		{ProductCode: "ROLL-600-STD", Width: 600, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss"},
		{ProductCode: "ROLL-400-STD", Width: 400, VendorId: "vendor-a", AdhesiveType: "acrylic", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss"},
		{ProductCode: "ROLL-600-HT", Width: 600, VendorId: "vendor-a", AdhesiveType: "hotmelt", BasisWeight: decimal.NewFromInt(80), Material: "semi-gloss"},
	}
	for i := range catalog {
		if err := db.Where("product_code = ?", catalog[i].ProductCode).FirstOrCreate(&catalog[i]).Error; err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
}

func seedOpeningEntry(t *testing.T, productCode string, price, qty decimal.Decimal) *models.LedgerEntry {
	t.Helper()
	db := config.GetDB()
	entry := &models.LedgerEntry{
		ID:                uuid.NewString(),
		OrderId:           1,
		BucketKey:         models.NormalizeBucketKey(productCode, price),
		ItemKind:          models.ItemKindRoll,
		ProductCode:       productCode,
		Qty:               qty,
		DeclaredUnitPrice: price,
		ActualUnitPrice:   price,
		Description:       "Opening stock",
	}
	if err := models.InsertLedgerEntry(db, entry); err != nil {
		t.Fatalf("seed opening entry: %v", err)
	}
	return entry
}

func TestSplitCommitConservationAndBalance(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rollstock_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	seedCatalog(t)
	price := decimal.NewFromFloat(1.25)
	opening := seedOpeningEntry(t, "ROLL-1000-STD", price, decimal.NewFromInt(100))

	ctx = utils.SetCorrelationIdInContext(ctx, "test-split-1")

	// Eligibility reads back the catalog attributes and the full balance.
	elig, err := models.CheckSplitEligibility(ctx, opening.ID, "")
	if err != nil {
		t.Fatalf("CheckSplitEligibility: %v", err)
	}
	if !elig.Eligible {
		t.Fatalf("expected bucket to be eligible, got %+v", elig)
	}
	if !elig.AvailableQty.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected available 100, got %s", elig.AvailableQty)
	}
	if elig.Width != 1000 {
		t.Fatalf("expected width 1000, got %d", elig.Width)
	}

	// A second identical read must return the same answer: reads never
	// write, so nothing in the ledger can have moved between the two calls.
	eligAgain, err := models.CheckSplitEligibility(ctx, opening.ID, "")
	if err != nil {
		t.Fatalf("repeated CheckSplitEligibility: %v", err)
	}
	if !reflect.DeepEqual(elig, eligAgain) {
		t.Fatalf("repeated eligibility read changed: %+v vs %+v", elig, eligAgain)
	}

	// The option resolver must offer the compatible narrower widths and
	// exclude the hotmelt variant and the full-width original.
	options, err := models.ResolveSplitOptions(ctx, "ROLL-1000-STD", 1000, true)
	if err != nil {
		t.Fatalf("ResolveSplitOptions: %v", err)
	}
	var codes []string
	for _, o := range options {
		codes = append(codes, o.ProductCode)
	}
	if strings.Join(codes, ",") != "ROLL-400-STD,ROLL-600-STD" {
		t.Fatalf("unexpected options: %v", codes)
	}
	optionsAgain, err := models.ResolveSplitOptions(ctx, "ROLL-1000-STD", 1000, true)
	if err != nil {
		t.Fatalf("repeated ResolveSplitOptions: %v", err)
	}
	if !reflect.DeepEqual(options, optionsAgain) {
		t.Fatalf("repeated options read changed: %+v vs %+v", options, optionsAgain)
	}

	result, err := models.ExecuteInventorySplit(ctx, &models.NewInventorySplit{
		EntryId:       opening.ID,
		RequestedArea: decimal.NewFromInt(40),
		Splits:        []string{"ROLL-600-STD", "ROLL-400-STD"},
	})
	if err != nil {
		t.Fatalf("ExecuteInventorySplit: %v", err)
	}

	db := config.GetDB()

	// Consuming entry: -40 in the source bucket, prices carried over.
	consuming, err := models.GetLedgerEntry(db, result.ConsumedEntryId)
	if err != nil {
		t.Fatalf("fetch consuming entry: %v", err)
	}
	if !consuming.Qty.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("expected consuming qty -40, got %s", consuming.Qty)
	}
	if consuming.BucketKey != opening.BucketKey {
		t.Fatalf("consuming entry landed in %s, want %s", consuming.BucketKey, opening.BucketKey)
	}
	if !consuming.ActualUnitPrice.Equal(price) {
		t.Fatalf("expected price carried over, got %s", consuming.ActualUnitPrice)
	}
	if consuming.MassQty != nil {
		t.Fatalf("split entries must not carry a mass qty")
	}

	// Produced entries: 24 to the 600mm bucket, 16 to the 400mm bucket.
	if len(result.Breakdown) != 2 {
		t.Fatalf("expected 2 produced entries, got %d", len(result.Breakdown))
	}
	wantAreas := map[string]decimal.Decimal{
		"ROLL-600-STD": decimal.NewFromInt(24),
		"ROLL-400-STD": decimal.NewFromInt(16),
	}
	var producedSum decimal.Decimal
	for _, row := range result.Breakdown {
		want, ok := wantAreas[row.ProductCode]
		if !ok {
			t.Fatalf("unexpected produced product %s", row.ProductCode)
		}
		if !row.AllocatedArea.Equal(want) {
			t.Fatalf("%s: expected %s, got %s", row.ProductCode, want, row.AllocatedArea)
		}
		produced, err := models.GetLedgerEntry(db, row.EntryId)
		if err != nil {
			t.Fatalf("fetch produced entry: %v", err)
		}
		if produced.BucketKey != models.NormalizeBucketKey(row.ProductCode, price) {
			t.Fatalf("produced entry keyed to %s", produced.BucketKey)
		}
		if !produced.ActualUnitPrice.Equal(price) {
			t.Fatalf("produced entry must carry the source price, got %s", produced.ActualUnitPrice)
		}
		producedSum = producedSum.Add(row.AllocatedArea)
	}
	if !producedSum.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("produced areas must sum to the request, got %s", producedSum)
	}

	// Source bucket balance after the split.
	balance, err := models.BucketBalance(db, opening.BucketKey)
	if err != nil {
		t.Fatalf("BucketBalance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected source balance 60, got %s", balance)
	}

	// An outbox record was written in the same transaction.
	var outbox models.SplitOutboxRecord
	if err := db.Where("id = ?", result.OutboxId).First(&outbox).Error; err != nil {
		t.Fatalf("expected outbox record: %v", err)
	}
	if outbox.PublishStatus != models.OutboxPublishStatusPending {
		t.Fatalf("expected PENDING outbox record, got %s", outbox.PublishStatus)
	}
	if outbox.ConsumedEntryId != result.ConsumedEntryId {
		t.Fatalf("outbox record points at %s, want %s", outbox.ConsumedEntryId, result.ConsumedEntryId)
	}
}

func TestSplitRejectionWritesNothing(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rollstock_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	seedCatalog(t)
	price := decimal.NewFromFloat(0.8)
	opening := seedOpeningEntry(t, "ROLL-1000-STD", price, decimal.NewFromInt(100))

	db := config.GetDB()
	var before int64
	if err := db.Model(&models.LedgerEntry{}).Count(&before).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}

	// 600 alone leaves 400 unmatched: the whole split must be rejected.
	_, err := models.ExecuteInventorySplit(ctx, &models.NewInventorySplit{
		EntryId:       opening.ID,
		RequestedArea: decimal.NewFromInt(40),
		Splits:        []string{"ROLL-600-STD"},
	})
	if err == nil {
		t.Fatal("expected rejection for unmatched remaining width")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("expected validation error, got %s: %v", utils.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "remaining width cannot be matched") {
		t.Fatalf("unexpected message: %v", err)
	}

	// Overdraw: more area than the bucket holds.
	_, err = models.ExecuteInventorySplit(ctx, &models.NewInventorySplit{
		EntryId:       opening.ID,
		RequestedArea: decimal.NewFromInt(150),
		Splits:        []string{"ROLL-600-STD", "ROLL-400-STD"},
	})
	if err == nil {
		t.Fatal("expected rejection for overdraw")
	}
	if utils.KindOf(err) != utils.ErrorKindValidation {
		t.Fatalf("expected validation error, got %s: %v", utils.KindOf(err), err)
	}

	// Attribute mismatch across the plan.
	_, err = models.ExecuteInventorySplit(ctx, &models.NewInventorySplit{
		EntryId:       opening.ID,
		RequestedArea: decimal.NewFromInt(40),
		Splits:        []string{"ROLL-600-HT", "ROLL-400-STD"},
	})
	if err == nil || !strings.Contains(err.Error(), "different adhesive type") {
		t.Fatalf("expected adhesive mismatch, got %v", err)
	}

	// Nothing may have been written by any rejected attempt.
	var after int64
	if err := db.Model(&models.LedgerEntry{}).Count(&after).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if after != before {
		t.Fatalf("rejected splits wrote %d entries", after-before)
	}
	var outboxCount int64
	if err := db.Model(&models.SplitOutboxRecord{}).Count(&outboxCount).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 0 {
		t.Fatalf("rejected splits wrote %d outbox records", outboxCount)
	}
}

func TestConcurrentSplitsSerializeOnBalance(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "rollstock_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	seedCatalog(t)
	price := decimal.NewFromFloat(1.25)
	opening := seedOpeningEntry(t, "ROLL-1000-STD", price, decimal.NewFromInt(100))

	// 5 concurrent splits of 30 each against a balance of 100: at most 3 can
	// commit, and the final balance must stay non-negative.
	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx := utils.SetCorrelationIdInContext(context.Background(), fmt.Sprintf("race-%d", n))
			_, err := models.ExecuteInventorySplit(ctx, &models.NewInventorySplit{
				EntryId:       opening.ID,
				RequestedArea: decimal.NewFromInt(30),
				Splits:        []string{"ROLL-600-STD", "ROLL-400-STD"},
			})
			if err == nil {
				mu.Lock()
				committed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if committed > 3 {
		t.Fatalf("expected at most 3 commits against a balance of 100, got %d", committed)
	}
	balance, err := models.BucketBalance(config.GetDB(), opening.BucketKey)
	if err != nil {
		t.Fatalf("BucketBalance: %v", err)
	}
	if balance.IsNegative() {
		t.Fatalf("balance went negative: %s", balance)
	}
	want := decimal.NewFromInt(100).Sub(decimal.NewFromInt(int64(committed * 30)))
	if !balance.Equal(want) {
		t.Fatalf("expected balance %s after %d commits, got %s", want, committed, balance)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rollstock-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("rollstock-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=rollstock_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
