package seed

import (
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// AuditStamp is the provenance block shared by every row of a batch.
type AuditStamp struct {
	IngestedAt time.Time
	Source     string
	BatchID    uuid.UUID
	Op         string
	TS         time.Time
	Deleted    bool
}

func NewAuditStamp(batchID uuid.UUID, now time.Time) AuditStamp {
	now = now.UTC()
	return AuditStamp{
		IngestedAt: now,
		Source:     SourceTag,
		BatchID:    batchID,
		Op:         OpInsert,
		TS:         now,
		Deleted:    false,
	}
}

// Values are in AuditColumns order.
func (a AuditStamp) Values() []any {
	return []any{a.IngestedAt, a.Source, a.BatchID, a.Op, a.TS, a.Deleted}
}

// Generator fabricates domain values. Amounts and prices stay integers so
// they load into integer and numeric columns alike.
type Generator struct {
	faker *gofakeit.Faker
}

// NewGenerator seeds the fabricator. Zero picks a random seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{faker: gofakeit.New(seed)}
}

// Row fabricates one complete row for table in AllColumns order.
func (g *Generator) Row(table Table, audit AuditStamp) []any {
	values := table.generate(g)
	return append(values, audit.Values()...)
}

var tsBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// timestamp falls within the first quarter of 2024.
func (g *Generator) timestamp() time.Time {
	return tsBase.
		Add(time.Duration(g.faker.IntRange(0, 90)) * 24 * time.Hour).
		Add(time.Duration(g.faker.IntRange(0, 23)) * time.Hour).
		Add(time.Duration(g.faker.IntRange(0, 59)) * time.Minute)
}

func (g *Generator) pick(values ...string) string {
	return g.faker.RandomString(values)
}

func (g *Generator) code(prefix string, n int) string {
	hex := strings.ToUpper(strings.ReplaceAll(g.faker.UUID(), "-", ""))
	return prefix + hex[:n]
}

func (g *Generator) customer() []any {
	return []any{
		g.faker.IntRange(1, 50_000),
		g.faker.Email(),
		g.faker.Name(),
		g.pick("SG", "MY", "ID", "TH"),
		g.timestamp(),
		g.pick("active", "inactive"),
	}
}

func (g *Generator) product() []any {
	return []any{
		g.faker.IntRange(1_000, 30_000),
		g.faker.ProductName(),
		g.pick("Electronics", "Accessories", "Audio", "Storage"),
		g.faker.Company(),
		true,
		g.timestamp(),
	}
}

func (g *Generator) variant() []any {
	price := g.faker.IntRange(5, 500)
	return []any{
		g.faker.IntRange(2_000, 80_000),
		g.faker.IntRange(1_000, 30_000),
		g.code("SKU-", 8),
		g.faker.Numerify("#############"),
		price,
		g.faker.IntRange(1, price),
		true,
	}
}

func (g *Generator) order() []any {
	return []any{
		g.faker.IntRange(1, 50_000),
		g.faker.IntRange(1, 8),
		g.faker.IntRange(1, 50_000),
		g.timestamp(),
		g.pick("paid", "pending", "cancelled"),
		g.pick("SGD", "MYR", "IDR", "THB"),
		g.faker.IntRange(10, 100_000),
	}
}

func (g *Generator) orderItem() []any {
	qty := g.faker.IntRange(1, 5)
	unitPrice := g.faker.IntRange(5, 500)
	discount := g.faker.IntRange(0, 5)
	tax := unitPrice * 7 / 100
	productID := g.faker.IntRange(1, 30_000)
	return []any{
		g.faker.IntRange(1, 1_000_000),
		g.faker.IntRange(1, 50_000),
		productID,
		productID*10 + g.faker.IntRange(1, 3),
		qty,
		unitPrice,
		discount,
		tax,
		qty*(unitPrice-discount) + tax,
		g.timestamp(),
	}
}

func (g *Generator) payment() []any {
	return []any{
		g.faker.IntRange(1, 1_000_000),
		g.faker.IntRange(1, 50_000),
		g.pick("CreditCard", "EWallet", "PayNow", "PayLater"),
		g.faker.IntRange(10, 100_000),
		g.pick("paid", "pending", "failed", "refunded"),
		g.timestamp(),
	}
}

func (g *Generator) shipment() []any {
	return []any{
		g.faker.IntRange(1, 1_000_000),
		g.faker.IntRange(1, 50_000),
		g.faker.Company(),
		g.pick("Standard", "Express"),
		g.code("TRK-", 10),
		g.timestamp(),
		g.pick("processing", "shipped"),
	}
}

// BatchPlan is one slice of a table's target row count.
type BatchPlan struct {
	Index  int
	Offset int
	Count  int
}

// PlanBatches splits total rows into batches of at most size rows.
func PlanBatches(total, size int) ([]BatchPlan, error) {
	if total < 0 {
		return nil, fmt.Errorf("row count must be >= 0, got %d", total)
	}
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", size)
	}
	plans := make([]BatchPlan, 0, (total+size-1)/size)
	for offset := 0; offset < total; offset += size {
		count := size
		if rest := total - offset; rest < size {
			count = rest
		}
		plans = append(plans, BatchPlan{Index: len(plans), Offset: offset, Count: count})
	}
	return plans, nil
}

// Batch is one group of fabricated rows sharing an audit stamp.
type Batch struct {
	Table   Table
	Plan    BatchPlan
	Audit   AuditStamp
	Columns []string
	Rows    [][]any
}

func (g *Generator) Batch(table Table, plan BatchPlan, audit AuditStamp) Batch {
	rows := make([][]any, 0, plan.Count)
	for i := 0; i < plan.Count; i++ {
		rows = append(rows, g.Row(table, audit))
	}
	return Batch{
		Table:   table,
		Plan:    plan,
		Audit:   audit,
		Columns: table.AllColumns(),
		Rows:    rows,
	}
}
