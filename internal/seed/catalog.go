// Package seed fabricates rows for the raw bronze tables and bulk-loads
// them in one transaction.
package seed

import (
	"strings"
)

const (
	// Schema holds every seeded table.
	Schema = "bronze"
	// SourceTag identifies rows written by the seeder.
	SourceTag = "faker_seed_copy_csv"
	// OpInsert is the only operation code the seeder produces.
	OpInsert = "I"
)

// AuditColumns are appended to every table's domain columns.
var AuditColumns = []string{"_ingested_at", "_source", "_batch_id", "_op", "_ts", "_deleted"}

// Table describes one seeded table and how to fabricate its domain values.
type Table struct {
	Name     string
	Columns  []string
	generate func(*Generator) []any
}

// QualifiedName is "<schema>.<name>".
func (t Table) QualifiedName() string {
	return Schema + "." + t.Name
}

// AllColumns is the domain columns followed by the audit columns.
func (t Table) AllColumns() []string {
	out := make([]string, 0, len(t.Columns)+len(AuditColumns))
	out = append(out, t.Columns...)
	return append(out, AuditColumns...)
}

// Tables returns the seven raw tables in load order.
func Tables() []Table {
	return []Table{
		{
			Name:     "customers_raw",
			Columns:  []string{"customer_id", "email", "name", "country", "created_at", "status"},
			generate: (*Generator).customer,
		},
		{
			Name:     "products_raw",
			Columns:  []string{"product_id", "title", "category", "brand", "active", "created_at"},
			generate: (*Generator).product,
		},
		{
			Name:     "product_variants_raw",
			Columns:  []string{"variant_id", "product_id", "sku", "barcode", "price", "cost", "active"},
			generate: (*Generator).variant,
		},
		{
			Name:     "orders_raw",
			Columns:  []string{"order_id", "channel_id", "customer_id", "order_ts", "status", "currency", "total_amount"},
			generate: (*Generator).order,
		},
		{
			Name:     "order_items_raw",
			Columns:  []string{"order_item_id", "order_id", "product_id", "variant_id", "qty", "unit_price", "discount", "tax", "line_amount", "created_at"},
			generate: (*Generator).orderItem,
		},
		{
			Name:     "payments_raw",
			Columns:  []string{"payment_id", "order_id", "method", "amount", "status", "paid_ts"},
			generate: (*Generator).payment,
		},
		{
			Name:     "shipments_raw",
			Columns:  []string{"shipment_id", "order_id", "carrier", "service", "tracking_no", "shipped_ts", "status"},
			generate: (*Generator).shipment,
		},
	}
}

// TableNames lists the qualified names of Tables.
func TableNames() []string {
	tables := Tables()
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		out = append(out, t.QualifiedName())
	}
	return out
}

// LookupTable accepts a bare or schema-qualified name.
func LookupTable(name string) (Table, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), Schema+".")
	for _, t := range Tables() {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}
