package storage

import (
	"fmt"
	"strings"

	"vendorwatch/internal/tabular"
)

// dialect captures the SQL differences between supported databases
type dialect struct {
	name       string
	quoteIdent func(string) string
	// placeholder returns the bind marker for the 1-based argument n
	placeholder func(n int) string
	numberType  string
	textType    string
	// keyType is used for short indexed text such as ids
	keyType string
	// existsQuery counts tables named $1 in the current schema
	existsQuery string
}

var dialects = map[string]dialect{
	"postgres": {
		name:        "postgres",
		quoteIdent:  func(s string) string { return `"` + s + `"` },
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		numberType:  "DOUBLE PRECISION",
		textType:    "TEXT",
		keyType:     "VARCHAR(64)",
		existsQuery: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1",
	},
	"mysql": {
		name:        "mysql",
		quoteIdent:  func(s string) string { return "`" + s + "`" },
		placeholder: func(int) string { return "?" },
		numberType:  "DOUBLE",
		textType:    "TEXT",
		keyType:     "VARCHAR(64)",
		existsQuery: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
	},
	"sqlite": {
		name:        "sqlite",
		quoteIdent:  func(s string) string { return `"` + s + `"` },
		placeholder: func(int) string { return "?" },
		numberType:  "REAL",
		textType:    "TEXT",
		keyType:     "TEXT",
		existsQuery: "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
	},
	"sqlserver": {
		name:        "sqlserver",
		quoteIdent:  func(s string) string { return "[" + s + "]" },
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		numberType:  "FLOAT",
		textType:    "NVARCHAR(MAX)",
		keyType:     "NVARCHAR(64)",
		existsQuery: "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = @p1",
	},
}

// dialectFor maps a database/sql driver name to its dialect
func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return dialects["postgres"], nil
	case "mysql":
		return dialects["mysql"], nil
	case "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	case "sqlserver", "mssql":
		return dialects["sqlserver"], nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// quote validates and quotes one identifier
func (d dialect) quote(name string) (string, error) {
	if err := ValidIdentifier(name); err != nil {
		return "", err
	}
	return d.quoteIdent(name), nil
}

// q quotes an identifier known to be valid
func (d dialect) q(name string) string {
	return d.quoteIdent(name)
}

func (d dialect) columnType(t tabular.ColumnType) string {
	if t == tabular.Number {
		return d.numberType
	}
	return d.textType
}

func (d dialect) placeholders(from, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = d.placeholder(from + i)
	}
	return strings.Join(marks, ", ")
}

func (d dialect) dropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.q(table)
}

// createIfMissing wraps a CREATE TABLE body for idempotent schema setup
func (d dialect) createIfMissing(table, columns string) string {
	if d.name == "sqlserver" {
		return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)", table, d.q(table), columns)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.q(table), columns)
}

// createAs materializes a SELECT into a new table
func (d dialect) createAs(table, query string) string {
	if d.name == "sqlserver" {
		// SELECT ... INTO needs the INTO clause before FROM
		i := strings.Index(query, "\nFROM ")
		return query[:i] + "\nINTO " + d.q(table) + query[i:]
	}
	return "CREATE TABLE " + d.q(table) + " AS\n" + query
}

// summaryQuery aggregates sales and purchases separately, then joins them.
func (d dialect) summaryQuery() string {
	q := d.q
	agg := func(table, qty, dollars string) string {
		return fmt.Sprintf("SELECT %s, %s, SUM(%s) AS qty, SUM(%s) AS dollars FROM %s GROUP BY %s, %s",
			q(ColVendor), q(ColItem), q(qty), q(dollars), q(table), q(ColVendor), q(ColItem))
	}

	return fmt.Sprintf(`SELECT s.%[1]s AS %[1]s, s.%[2]s AS %[2]s,
  s.qty AS %[3]s, s.dollars AS %[4]s,
  p.qty AS %[5]s, p.dollars AS %[6]s,
  s.dollars - p.dollars AS %[7]s,
  CASE WHEN s.dollars > 0 THEN (s.dollars - p.dollars) / s.dollars * 100 ELSE 0 END AS %[8]s,
  CASE WHEN p.qty > 0 THEN s.qty / p.qty ELSE 0 END AS %[9]s,
  CASE WHEN p.dollars > 0 THEN s.dollars / p.dollars ELSE 0 END AS %[10]s
FROM (%[11]s) s
JOIN (%[12]s) p ON s.%[1]s = p.%[1]s AND s.%[2]s = p.%[2]s
WHERE s.dollars > 0 AND p.dollars > 0`,
		q(ColVendor), q(ColItem),
		q(summaryColumns[2]), q(summaryColumns[3]),
		q(summaryColumns[4]), q(summaryColumns[5]),
		q(summaryColumns[6]), q(summaryColumns[7]),
		q(summaryColumns[8]), q(summaryColumns[9]),
		agg(TableSales, ColSalesQuantity, ColSalesDollars),
		agg(TablePurchases, ColPurchaseQuantity, ColPurchaseDollars),
	)
}

// alertColumns is the shared layout of active_alerts and alert_history
var alertColumns = []string{
	"seq", "alert_id", "type", "priority", "vendor", "description",
	"value", "threshold_value", "metric_value", "threshold",
	"message", "recommendation", "generated_at",
}

func (d dialect) alertSchema() string {
	q := d.q
	return strings.Join([]string{
		q("seq") + " INTEGER",
		q("alert_id") + " " + d.keyType,
		q("type") + " " + d.keyType,
		q("priority") + " " + d.keyType,
		q("vendor") + " " + d.textType,
		q("description") + " " + d.textType,
		q("value") + " " + d.numberType,
		q("threshold_value") + " " + d.numberType,
		q("metric_value") + " " + d.textType,
		q("threshold") + " " + d.textType,
		q("message") + " " + d.textType,
		q("recommendation") + " " + d.textType,
		q("generated_at") + " " + d.keyType,
	}, ", ")
}

var runColumns = []string{
	"id", "trigger_source", "started_at", "ended_at", "stage", "status",
	"archive", "batches", "warnings", "stage_errors",
}

func (d dialect) runSchema() string {
	q := d.q
	return strings.Join([]string{
		q("id") + " " + d.keyType,
		q("trigger_source") + " " + d.keyType,
		q("started_at") + " " + d.keyType,
		q("ended_at") + " " + d.keyType,
		q("stage") + " " + d.keyType,
		q("status") + " " + d.keyType,
		q("archive") + " INTEGER",
		q("batches") + " " + d.textType,
		q("warnings") + " " + d.textType,
		q("stage_errors") + " " + d.textType,
	}, ", ")
}

func (d dialect) insert(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.q(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.q(table), strings.Join(quoted, ", "), d.placeholders(1, len(columns)))
}
