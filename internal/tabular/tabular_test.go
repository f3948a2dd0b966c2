package tabular

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Sales.csv")
	data := "VendorName,Description,SalesQuantity,SalesDollars\n" +
		"Acme,Widget,10,250.5\n" +
		"Acme,Gadget,,99\n" +
		",,,\n" +
		"Globex,Widget,3,-4\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if tbl.Name != "sales" {
		t.Errorf("expected table name sales, got %s", tbl.Name)
	}
	if len(tbl.Rows) != 3 {
		t.Fatalf("expected blank row to be skipped, got %d rows", len(tbl.Rows))
	}

	wantTypes := []ColumnType{Text, Text, Number, Number}
	for i, want := range wantTypes {
		if tbl.Columns[i].Type != want {
			t.Errorf("column %s: got %s, want %s", tbl.Columns[i].Name, tbl.Columns[i].Type, want)
		}
	}

	dollars := tbl.Index("salesdollars")
	if v, ok := tbl.Float(2, dollars); !ok || v != -4 {
		t.Errorf("expected -4, got %v (%v)", v, ok)
	}
	if _, ok := tbl.Float(1, tbl.Index("SalesQuantity")); ok {
		t.Error("expected empty cell to be nil")
	}
	if got := tbl.String(0, tbl.Index("VendorName")); got != "Acme" {
		t.Errorf("expected Acme, got %q", got)
	}
}

func TestLoadSpreadsheet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "purchases.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"VendorName", "Description", "PurchaseQuantity", "PurchaseDollars"},
		{"Acme", "Widget", 4, 100},
		{"Globex", "Gizmo", 2, 60000},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.Close()

	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tbl.Name != "purchases" || len(tbl.Rows) != 2 {
		t.Fatalf("unexpected table %s with %d rows", tbl.Name, len(tbl.Rows))
	}
	if v, ok := tbl.Float(1, tbl.Index("PurchaseDollars")); !ok || v != 60000 {
		t.Errorf("expected 60000, got %v", v)
	}
}

func TestLoadSpreadsheetIgnoresNumberFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sales.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	row := []any{"VendorName", "Description", "SalesQuantity", "SalesDollars"}
	if err := f.SetSheetRow(sheet, "A1", &row); err != nil {
		t.Fatalf("set header: %v", err)
	}
	row = []any{"Acme", "Widget", 1200, 12345.5}
	if err := f.SetSheetRow(sheet, "A2", &row); err != nil {
		t.Fatalf("set row: %v", err)
	}
	// #,##0.00
	style, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		t.Fatalf("style: %v", err)
	}
	if err := f.SetCellStyle(sheet, "C2", "D2", style); err != nil {
		t.Fatalf("set style: %v", err)
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.Close()

	tbl, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, name := range []string{"SalesQuantity", "SalesDollars"} {
		if c := tbl.Columns[tbl.Index(name)]; c.Type != Number {
			t.Errorf("column %s: got %s, want number", name, c.Type)
		}
	}
	if v, ok := tbl.Float(0, tbl.Index("SalesDollars")); !ok || v != 12345.5 {
		t.Errorf("expected 12345.5, got %v (%v)", v, ok)
	}
	if v, ok := tbl.Float(0, tbl.Index("SalesQuantity")); !ok || v != 1200 {
		t.Errorf("expected 1200, got %v (%v)", v, ok)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr error
	}{
		{"unsupported", "notes.txt", "hello", ErrUnsupportedFormat},
		{"empty csv", "empty.csv", "", ErrEmptyBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := Load(path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestQualifies(t *testing.T) {
	exts := []string{".xlsx"}
	tests := []struct {
		path string
		want bool
	}{
		{"data/sales.xlsx", true},
		{"data/SALES.XLSX", true},
		{"data/sales.csv", false},
		{"data/~$sales.xlsx.tmp", false},
	}
	for _, tt := range tests {
		if got := Qualifies(tt.path, exts); got != tt.want {
			t.Errorf("Qualifies(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestTableName(t *testing.T) {
	tests := map[string]string{
		"data/Sales.xlsx":           "sales",
		"data/purchases.csv":        "purchases",
		"data/vendor anomalies.csv": "vendor_anomalies",
		"data/2024-sales.xlsx":      "_2024_sales",
	}
	for path, want := range tests {
		if got := TableName(path); got != want {
			t.Errorf("TableName(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestBuildRenamesDuplicateHeaders(t *testing.T) {
	tbl, err := build("t", [][]string{{"a", "A", ""}, {"1", "2", "x"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	names := []string{tbl.Columns[0].Name, tbl.Columns[1].Name, tbl.Columns[2].Name}
	if names[1] != "column_2" || names[2] != "column_3" {
		t.Errorf("unexpected column names %v", names)
	}
}
