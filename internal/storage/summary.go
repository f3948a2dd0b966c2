package storage

import (
	"fmt"
	"sort"
	"strings"

	"vendorwatch/internal/models"
	"vendorwatch/internal/tabular"
)

// Summary columns, in table order
var summaryColumns = []string{
	ColVendor,
	ColItem,
	"TotalSalesQuantity",
	"TotalSalesDollars",
	"TotalPurchaseQuantity",
	"TotalPurchaseDollars",
	"GrossProfit",
	"ProfitMargin",
	"StockTurnover",
	"SalesToPurchaseRatio",
}

// Enrichment tables read by LoadSnapshot, in merge order
var enrichmentTables = []string{TablePerformance, TableInventory, TableAnomalies}

type totals struct {
	vendor, item string
	qty, dollars float64
}

// aggregate sums quantity and dollars per (vendor, item)
func aggregate(t *tabular.Table, qtyCol, dollarsCol string) (map[string]*totals, error) {
	idx := map[string]int{}
	for _, c := range []string{ColVendor, ColItem, qtyCol, dollarsCol} {
		i := t.Index(c)
		if i < 0 {
			return nil, fmt.Errorf("%s: missing column %s", t.Name, c)
		}
		idx[c] = i
	}

	out := make(map[string]*totals)
	for r := range t.Rows {
		vendor := t.String(r, idx[ColVendor])
		item := t.String(r, idx[ColItem])
		key := vendor + "\x00" + item

		agg, ok := out[key]
		if !ok {
			agg = &totals{vendor: vendor, item: item}
			out[key] = agg
		}
		if v, ok := t.Float(r, idx[qtyCol]); ok {
			agg.qty += v
		}
		if v, ok := t.Float(r, idx[dollarsCol]); ok {
			agg.dollars += v
		}
	}
	return out, nil
}

// Summarize aggregates sales and purchases separately per (vendor, item),
// joins them and derives the profitability metrics. Pairs without positive
// sales and purchase dollars are dropped. Output is ordered by vendor, item.
func Summarize(sales, purchases *tabular.Table) ([]models.MetricsRow, error) {
	s, err := aggregate(sales, ColSalesQuantity, ColSalesDollars)
	if err != nil {
		return nil, err
	}
	p, err := aggregate(purchases, ColPurchaseQuantity, ColPurchaseDollars)
	if err != nil {
		return nil, err
	}

	var rows []models.MetricsRow
	for key, sa := range s {
		pa, ok := p[key]
		if !ok || sa.dollars <= 0 || pa.dollars <= 0 {
			continue
		}

		row := models.MetricsRow{
			Vendor:                sa.vendor,
			Item:                  sa.item,
			TotalSalesQuantity:    sa.qty,
			TotalSalesDollars:     sa.dollars,
			TotalPurchaseQuantity: pa.qty,
			TotalPurchaseDollars:  pa.dollars,
			GrossProfit:           sa.dollars - pa.dollars,
			SalesToPurchaseRatio:  sa.dollars / pa.dollars,
		}
		row.ProfitMargin = row.GrossProfit / sa.dollars * 100
		if pa.qty > 0 {
			row.StockTurnover = sa.qty / pa.qty
		}
		rows = append(rows, row)
	}

	sortRows(rows)
	return rows, nil
}

func sortRows(rows []models.MetricsRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Vendor != rows[j].Vendor {
			return rows[i].Vendor < rows[j].Vendor
		}
		return rows[i].Item < rows[j].Item
	})
}

// summaryTable renders summary rows as a storable table
func summaryTable(rows []models.MetricsRow) *tabular.Table {
	t := &tabular.Table{Name: TableSummary}
	for i, c := range summaryColumns {
		typ := tabular.Number
		if i < 2 {
			typ = tabular.Text
		}
		t.Columns = append(t.Columns, tabular.Column{Name: c, Type: typ})
	}
	for _, r := range rows {
		t.Rows = append(t.Rows, []any{
			r.Vendor, r.Item,
			r.TotalSalesQuantity, r.TotalSalesDollars,
			r.TotalPurchaseQuantity, r.TotalPurchaseDollars,
			r.GrossProfit, r.ProfitMargin, r.StockTurnover, r.SalesToPurchaseRatio,
		})
	}
	return t
}

// rowsFromSummary reads metrics rows back out of a summary table
func rowsFromSummary(t *tabular.Table) ([]models.MetricsRow, error) {
	idx := make([]int, len(summaryColumns))
	for i, c := range summaryColumns {
		idx[i] = t.Index(c)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%s: missing column %s", t.Name, c)
		}
	}

	num := func(r, i int) float64 {
		v, _ := t.Float(r, idx[i])
		return v
	}

	rows := make([]models.MetricsRow, 0, len(t.Rows))
	for r := range t.Rows {
		rows = append(rows, models.MetricsRow{
			Vendor:                t.String(r, idx[0]),
			Item:                  t.String(r, idx[1]),
			TotalSalesQuantity:    num(r, 2),
			TotalSalesDollars:     num(r, 3),
			TotalPurchaseQuantity: num(r, 4),
			TotalPurchaseDollars:  num(r, 5),
			GrossProfit:           num(r, 6),
			ProfitMargin:          num(r, 7),
			StockTurnover:         num(r, 8),
			SalesToPurchaseRatio:  num(r, 9),
		})
	}
	sortRows(rows)
	return rows, nil
}

// enrich merges one enrichment table into rows. Tables without a
// Description column match on vendor alone.
func enrich(rows []models.MetricsRow, name string, t *tabular.Table) {
	vi, ii := t.Index(ColVendor), t.Index(ColItem)
	if vi < 0 {
		return
	}

	lookup := make(map[string]int, len(t.Rows))
	for r := range t.Rows {
		key := t.String(r, vi)
		if ii >= 0 {
			key += "\x00" + t.String(r, ii)
		}
		if _, dup := lookup[key]; !dup {
			lookup[key] = r
		}
	}

	for i := range rows {
		key := rows[i].Vendor
		if ii >= 0 {
			key += "\x00" + rows[i].Item
		}
		r, ok := lookup[key]
		if !ok {
			continue
		}

		switch name {
		case TablePerformance:
			rows[i].PerformanceScore = floatCell(t, r, "PerformanceScore")
		case TableInventory:
			rows[i].IsOverstocked = boolCell(t, r, "IsOverstocked")
			rows[i].IsUnderstocked = boolCell(t, r, "IsUnderstocked")
		case TableAnomalies:
			rows[i].AnomalyScore = floatCell(t, r, "AnomalyScore")
		}
	}
}

func floatCell(t *tabular.Table, row int, col string) *float64 {
	v, ok := t.Float(row, t.Index(col))
	if !ok {
		return nil
	}
	return &v
}

func boolCell(t *tabular.Table, row int, col string) *bool {
	i := t.Index(col)
	if i < 0 || t.Rows[row][i] == nil {
		return nil
	}
	var b bool
	switch v := t.Rows[row][i].(type) {
	case float64:
		b = v != 0
	case bool:
		b = v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1":
			b = true
		}
	}
	return &b
}
