package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"vendorwatch/internal/models"
	"vendorwatch/internal/tabular"
)

var _ Gateway = (*SQLStore)(nil)

// SQLStore implements Gateway over database/sql
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Open connects to a relational store, verifies the connection and creates
// the alert and run tables when missing.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if d.name == "sqlite" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(8)
	if d.name == "sqlite" {
		// One writer at a time; concurrent batch loads queue on the pool
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &SQLStore{db: db, d: d}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSN builds a file-backed sqlite DSN that waits on locks held by
// other processes instead of failing.
func SQLiteDSN(path string) string {
	return "file:" + filepath.ToSlash(path) + "?_pragma=busy_timeout(5000)"
}

// NewSQL wraps an existing handle. driver selects the SQL dialect.
func NewSQL(db *sql.DB, driver string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, d: d}, nil
}

// Migrate creates the tables owned by the store
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		s.d.createIfMissing(TableActiveAlerts, s.d.alertSchema()),
		s.d.createIfMissing(TableAlertHistory, s.d.alertSchema()),
		s.d.createIfMissing(TableRuns, s.d.runSchema()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) WriteTable(ctx context.Context, name string, t *tabular.Table, mode WriteMode) error {
	table, err := s.d.quote(name)
	if err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%s: table has no columns", name)
	}

	defs := make([]string, len(t.Columns))
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		qc, err := s.d.quote(c.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		defs[i] = qc + " " + s.d.columnType(c.Type)
		cols[i] = c.Name
	}

	create := true
	if mode == Append {
		exists, err := s.TableExists(ctx, name)
		if err != nil {
			return err
		}
		create = !exists
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if mode == Replace {
		if _, err := tx.ExecContext(ctx, s.d.dropTable(name)); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	if create {
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}

	if len(t.Rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.d.insert(name, cols))
		if err != nil {
			return fmt.Errorf("prepare insert %s: %w", name, err)
		}
		defer stmt.Close()

		for i, row := range t.Rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("insert %s row %d: %w", name, i+1, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) ReadTable(ctx context.Context, name string) (*tabular.Table, error) {
	table, err := s.d.quote(name)
	if err != nil {
		return nil, err
	}
	if err := s.requireTable(ctx, name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &tabular.Table{Name: name}
	for _, n := range names {
		out.Columns = append(out.Columns, tabular.Column{Name: n, Type: tabular.Number})
	}

	for rows.Next() {
		raw := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		row := make([]any, len(names))
		for i, v := range raw {
			row[i] = cell(v)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A column is numeric when every non-null value is
	for i := range out.Columns {
		for _, row := range out.Rows {
			if _, ok := row[i].(string); ok {
				out.Columns[i].Type = tabular.Text
				break
			}
		}
	}
	return out, nil
}

// cell normalizes a driver value to a tabular cell
func cell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	case bool:
		if x {
			return 1.0
		}
		return 0.0
	case []byte:
		return numericOrText(string(x))
	case string:
		return numericOrText(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// numericOrText keeps DECIMAL values returned as text numeric
func numericOrText(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (s *SQLStore) TableExists(ctx context.Context, name string) (bool, error) {
	if err := ValidIdentifier(name); err != nil {
		return false, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.d.existsQuery, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLStore) requireTable(ctx context.Context, name string) error {
	ok, err := s.TableExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return nil
}

func (s *SQLStore) RowCount(ctx context.Context, name string) (int64, error) {
	table, err := s.d.quote(name)
	if err != nil {
		return 0, err
	}
	if err := s.requireTable(ctx, name); err != nil {
		return 0, err
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func (s *SQLStore) CountWhere(ctx context.Context, table, column string, op Op, value float64) (int64, error) {
	if !op.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}
	qt, err := s.d.quote(table)
	if err != nil {
		return 0, err
	}
	qc, err := s.d.quote(column)
	if err != nil {
		return 0, err
	}
	if err := s.requireTable(ctx, table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s %s %s", qt, qc, op, s.d.placeholder(1))
	var n int64
	if err := s.db.QueryRowContext(ctx, query, value).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s.%s: %w", table, column, err)
	}
	return n, nil
}

func (s *SQLStore) RebuildSummary(ctx context.Context) (int64, error) {
	for _, t := range []string{TableSales, TablePurchases} {
		if err := s.requireTable(ctx, t); err != nil {
			return 0, err
		}
	}

	if _, err := s.db.ExecContext(ctx, s.d.dropTable(TableSummary)); err != nil {
		return 0, fmt.Errorf("drop summary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.createAs(TableSummary, s.d.summaryQuery())); err != nil {
		return 0, fmt.Errorf("create summary: %w", err)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.d.q(TableSummary)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count summary: %w", err)
	}
	return n, nil
}

func (s *SQLStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	summary, err := s.ReadTable(ctx, TableSummary)
	if err != nil {
		return Snapshot{}, err
	}
	rows, err := rowsFromSummary(summary)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Rows: rows}
	for _, name := range enrichmentTables {
		t, err := s.ReadTable(ctx, name)
		if errors.Is(err, ErrTableNotFound) {
			snap.Missing = append(snap.Missing, name)
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		enrich(snap.Rows, name, t)
	}
	return snap, nil
}

func (s *SQLStore) ReplaceActiveAlerts(ctx context.Context, alerts []models.Alert) error {
	return s.writeAlerts(ctx, TableActiveAlerts, alerts, true)
}

func (s *SQLStore) AppendAlertHistory(ctx context.Context, alerts []models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return s.writeAlerts(ctx, TableAlertHistory, alerts, false)
}

func (s *SQLStore) writeAlerts(ctx context.Context, table string, alerts []models.Alert, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.d.q(table)); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if len(alerts) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.d.insert(table, alertColumns))
		if err != nil {
			return fmt.Errorf("prepare %s: %w", table, err)
		}
		defer stmt.Close()

		for i, a := range alerts {
			_, err := stmt.ExecContext(ctx,
				i+1, a.ID, string(a.Kind), string(a.Priority), a.Vendor, a.Item,
				a.Value, a.Threshold, a.MetricValue, a.ThresholdText,
				a.Message, a.Recommendation, a.GeneratedAt.UTC().Format(time.RFC3339Nano),
			)
			if err != nil {
				return fmt.Errorf("insert %s %s: %w", table, a.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	return nil
}

func (s *SQLStore) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	cols := make([]string, 0, len(alertColumns)-1)
	for _, c := range alertColumns[1:] {
		cols = append(cols, s.d.q(c))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(cols, ", "), s.d.q(TableActiveAlerts), s.d.q("seq"))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var (
			a                  models.Alert
			kind, prio, genStr string
		)
		if err := rows.Scan(&a.ID, &kind, &prio, &a.Vendor, &a.Item,
			&a.Value, &a.Threshold, &a.MetricValue, &a.ThresholdText,
			&a.Message, &a.Recommendation, &genStr); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Kind = models.AlertKind(kind)
		a.Priority = models.Priority(prio)
		gen, err := time.Parse(time.RFC3339Nano, genStr)
		if err != nil {
			return nil, fmt.Errorf("scan alert %s generated_at: %w", a.ID, err)
		}
		a.GeneratedAt = gen
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecordRun(ctx context.Context, run *models.PipelineRun) error {
	batches, _ := json.Marshal(run.Batches)
	warnings, _ := json.Marshal(run.Warnings)
	stageErrors, _ := json.Marshal(run.StageErrors)

	var ended string
	if run.EndedAt != nil {
		ended = run.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	archive := 0
	if run.Archive {
		archive = 1
	}

	_, err := s.db.ExecContext(ctx, s.d.insert(TableRuns, runColumns),
		run.ID, string(run.Trigger), run.StartedAt.UTC().Format(time.RFC3339Nano), ended,
		string(run.Stage), string(run.Status), archive,
		string(batches), string(warnings), string(stageErrors),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
