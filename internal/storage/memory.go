package storage

import (
	"context"
	"fmt"
	"sync"

	"vendorwatch/internal/models"
	"vendorwatch/internal/tabular"
)

var _ Gateway = (*MemoryStore)(nil)

// MemoryStore keeps every table in process memory. It backs tests and the
// "memory" store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]*tabular.Table
	active  []models.Alert
	history []models.Alert
	runs    []*models.PipelineRun
	closed  bool
}

// NewMemory returns an empty in-memory store
func NewMemory() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*tabular.Table)}
}

func (m *MemoryStore) WriteTable(ctx context.Context, name string, t *tabular.Table, mode WriteMode) error {
	if err := ValidIdentifier(name); err != nil {
		return err
	}
	for _, c := range t.Columns {
		if err := ValidIdentifier(c.Name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyTable(t)
	cp.Name = name

	existing, ok := m.tables[name]
	if mode == Append && ok {
		// Columns are matched by name; unknown columns are dropped
		for _, row := range cp.Rows {
			out := make([]any, len(existing.Columns))
			for i, c := range existing.Columns {
				if j := cp.Index(c.Name); j >= 0 {
					out[i] = row[j]
				}
			}
			existing.Rows = append(existing.Rows, out)
		}
		return nil
	}

	m.tables[name] = cp
	return nil
}

func (m *MemoryStore) ReadTable(ctx context.Context, name string) (*tabular.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return copyTable(t), nil
}

func (m *MemoryStore) TableExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.tables[name]
	return ok, nil
}

func (m *MemoryStore) RowCount(ctx context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return int64(len(t.Rows)), nil
}

func (m *MemoryStore) CountWhere(ctx context.Context, table, column string, op Op, value float64) (int64, error) {
	if !op.IsValid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	col := t.Index(column)
	if col < 0 {
		return 0, fmt.Errorf("%s: missing column %s", table, column)
	}

	var n int64
	for r := range t.Rows {
		if v, ok := t.Float(r, col); ok && op.compare(v, value) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RebuildSummary(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sales, ok := m.tables[TableSales]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, TableSales)
	}
	purchases, ok := m.tables[TablePurchases]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, TablePurchases)
	}

	rows, err := Summarize(sales, purchases)
	if err != nil {
		return 0, err
	}
	m.tables[TableSummary] = summaryTable(rows)
	return int64(len(rows)), nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.tables[TableSummary]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTableNotFound, TableSummary)
	}
	rows, err := rowsFromSummary(summary)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Rows: rows}
	for _, name := range enrichmentTables {
		t, ok := m.tables[name]
		if !ok {
			snap.Missing = append(snap.Missing, name)
			continue
		}
		enrich(snap.Rows, name, t)
	}
	return snap, nil
}

func (m *MemoryStore) ReplaceActiveAlerts(ctx context.Context, alerts []models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = append([]models.Alert(nil), alerts...)
	return nil
}

func (m *MemoryStore) AppendAlertHistory(ctx context.Context, alerts []models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, alerts...)
	return nil
}

func (m *MemoryStore) ActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.Alert(nil), m.active...), nil
}

// AlertHistory returns every alert ever appended
func (m *MemoryStore) AlertHistory() []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.Alert(nil), m.history...)
}

func (m *MemoryStore) RecordRun(ctx context.Context, run *models.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run.Clone())
	return nil
}

// Runs returns recorded runs, oldest first
func (m *MemoryStore) Runs() []*models.PipelineRun {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.PipelineRun, len(m.runs))
	for i, r := range m.runs {
		out[i] = r.Clone()
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func copyTable(t *tabular.Table) *tabular.Table {
	cp := &tabular.Table{
		Name:    t.Name,
		Columns: append([]tabular.Column(nil), t.Columns...),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i, r := range t.Rows {
		cp.Rows[i] = append([]any(nil), r...)
	}
	return cp
}
