package models

import (
	"strings"
	"time"
)

// Priority is the urgency of an alert
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least urgent
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// IsValid checks if the priority is known
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank orders priorities; lower is more urgent
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Label is the upper-case form used in digests
func (p Priority) Label() string {
	return strings.ToUpper(string(p))
}

// AlertKind identifies the rule that produced an alert
type AlertKind string

const (
	KindLowProfitMargin    AlertKind = "low_profit_margin"
	KindNegativeProfit     AlertKind = "negative_profit"
	KindLowStockTurnover   AlertKind = "low_stock_turnover"
	KindOverstocked        AlertKind = "overstocked"
	KindUnderstocked       AlertKind = "understocked"
	KindHighInventoryValue AlertKind = "high_inventory_value"
	KindPoorPerformance    AlertKind = "poor_performance"
	KindAnomaly            AlertKind = "anomaly"
	KindTest               AlertKind = "test"
)

// Title is the human-readable name of the kind
func (k AlertKind) Title() string {
	switch k {
	case KindLowProfitMargin:
		return "Low Profit Margin"
	case KindNegativeProfit:
		return "Negative Profit"
	case KindLowStockTurnover:
		return "Low Stock Turnover"
	case KindOverstocked:
		return "Overstocked Item"
	case KindUnderstocked:
		return "Understocked Item"
	case KindHighInventoryValue:
		return "High Inventory Value"
	case KindPoorPerformance:
		return "Poor Performance Score"
	case KindAnomaly:
		return "Anomalous Behavior"
	case KindTest:
		return "Test Alert"
	default:
		return string(k)
	}
}

// Alert is one rule violation for one (vendor, item) pair at one evaluation
type Alert struct {
	ID             string    `json:"alert_id"`
	Kind           AlertKind `json:"type"`
	Priority       Priority  `json:"priority"`
	Vendor         string    `json:"vendor"`
	Item           string    `json:"description"`
	Value          float64   `json:"value"`
	Threshold      float64   `json:"threshold_value"`
	MetricValue    string    `json:"metric_value"`
	ThresholdText  string    `json:"threshold"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation"`
	GeneratedAt    time.Time `json:"timestamp"`
}

// Key identifies an alert across cycles: vendor, item, rule kind and timestamp.
func (a Alert) Key() string {
	return a.Vendor + "|" + a.Item + "|" + string(a.Kind) + "|" + a.GeneratedAt.UTC().Format(time.RFC3339Nano)
}

// MetricsRow is one (vendor, item) row of the metrics snapshot. Enrichment
// fields are nil when the upstream table was not available.
type MetricsRow struct {
	Vendor                string  `json:"vendor"`
	Item                  string  `json:"description"`
	TotalSalesQuantity    float64 `json:"total_sales_quantity"`
	TotalSalesDollars     float64 `json:"total_sales_dollars"`
	TotalPurchaseQuantity float64 `json:"total_purchase_quantity"`
	TotalPurchaseDollars  float64 `json:"total_purchase_dollars"`
	GrossProfit           float64 `json:"gross_profit"`
	ProfitMargin          float64 `json:"profit_margin"`
	StockTurnover         float64 `json:"stock_turnover"`
	SalesToPurchaseRatio  float64 `json:"sales_to_purchase_ratio"`

	PerformanceScore *float64 `json:"performance_score,omitempty"`
	IsOverstocked    *bool    `json:"is_overstocked,omitempty"`
	IsUnderstocked   *bool    `json:"is_understocked,omitempty"`
	AnomalyScore     *float64 `json:"anomaly_score,omitempty"`
}

// Digest is a cycle's alerts grouped by priority, built just before dispatch
type Digest struct {
	GeneratedAt time.Time
	Critical    []Alert
	High        []Alert
	Medium      []Alert
	Low         []Alert
}

// Total returns the number of alerts in the digest
func (d Digest) Total() int {
	return len(d.Critical) + len(d.High) + len(d.Medium) + len(d.Low)
}

// IsEmpty reports whether the digest has nothing to send
func (d Digest) IsEmpty() bool {
	return d.Total() == 0
}
