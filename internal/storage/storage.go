package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"vendorwatch/internal/models"
	"vendorwatch/internal/tabular"
)

// Well-known tables
const (
	TableSales        = "sales"
	TablePurchases    = "purchases"
	TableSummary      = "vendor_sales_summary"
	TablePerformance  = "vendor_performance_scores"
	TableInventory    = "inventory_recommendations"
	TableAnomalies    = "vendor_anomalies"
	TableActiveAlerts = "active_alerts"
	TableAlertHistory = "alert_history"
	TableRuns         = "pipeline_runs"
)

// Well-known columns of the input batches and the summary
const (
	ColVendor           = "VendorName"
	ColItem             = "Description"
	ColSalesQuantity    = "SalesQuantity"
	ColSalesDollars     = "SalesDollars"
	ColPurchaseQuantity = "PurchaseQuantity"
	ColPurchaseDollars  = "PurchaseDollars"
)

var (
	// ErrTableNotFound is returned when a named table does not exist
	ErrTableNotFound = errors.New("table not found")
	// ErrInvalidIdentifier is returned for table or column names that are
	// unsafe to interpolate into SQL.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidOperator is returned by CountWhere for unknown comparisons
	ErrInvalidOperator = errors.New("invalid comparison operator")
)

// WriteMode controls what WriteTable does with an existing table
type WriteMode int

const (
	// Replace drops any existing table first
	Replace WriteMode = iota
	// Append adds rows, creating the table if needed
	Append
)

// Op is a comparison usable in CountWhere
type Op string

const (
	OpLess      Op = "<"
	OpLessEq    Op = "<="
	OpGreater   Op = ">"
	OpGreaterEq Op = ">="
	OpEqual     Op = "="
)

// IsValid checks if the operator is supported
func (o Op) IsValid() bool {
	switch o {
	case OpLess, OpLessEq, OpGreater, OpGreaterEq, OpEqual:
		return true
	default:
		return false
	}
}

func (o Op) compare(a, b float64) bool {
	switch o {
	case OpLess:
		return a < b
	case OpLessEq:
		return a <= b
	case OpGreater:
		return a > b
	case OpGreaterEq:
		return a >= b
	case OpEqual:
		return a == b
	default:
		return false
	}
}

// Snapshot is the per-(vendor, item) metrics view the rule engine reads.
// Missing lists enrichment tables that were not available.
type Snapshot struct {
	Rows    []models.MetricsRow
	Missing []string
}

// Gateway is the metric store used by the pipeline and the alert manager.
type Gateway interface {
	WriteTable(ctx context.Context, name string, t *tabular.Table, mode WriteMode) error
	ReadTable(ctx context.Context, name string) (*tabular.Table, error)
	TableExists(ctx context.Context, name string) (bool, error)
	RowCount(ctx context.Context, name string) (int64, error)
	CountWhere(ctx context.Context, table, column string, op Op, value float64) (int64, error)

	// RebuildSummary recomputes vendor_sales_summary from sales and
	// purchases and returns the number of summary rows.
	RebuildSummary(ctx context.Context) (int64, error)
	LoadSnapshot(ctx context.Context) (Snapshot, error)

	ReplaceActiveAlerts(ctx context.Context, alerts []models.Alert) error
	AppendAlertHistory(ctx context.Context, alerts []models.Alert) error
	ActiveAlerts(ctx context.Context) ([]models.Alert, error)
	RecordRun(ctx context.Context, run *models.PipelineRun) error

	Ping(ctx context.Context) error
	Close() error
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier checks a table or column name before it reaches SQL
func ValidIdentifier(name string) error {
	if !identPattern.MatchString(name) || len(name) > 63 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}
