package rules

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"vendorwatch/internal/models"
)

// Thresholds are the tunable limits of the built-in rule set.
// A zero value means "use the default".
type Thresholds struct {
	ProfitMargin       float64 `yaml:"profit_margin"`
	StockTurnover      float64 `yaml:"stock_turnover"`
	HighInventoryValue float64 `yaml:"high_inventory_value"`
	HighInventoryTopN  int     `yaml:"high_inventory_top_n"`
	PerformanceScore   float64 `yaml:"performance_score"`
	AnomalyScore       float64 `yaml:"anomaly_score"`
}

// DefaultThresholds returns the stock limits
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProfitMargin:       15,
		StockTurnover:      0.3,
		HighInventoryValue: 50000,
		HighInventoryTopN:  10,
		PerformanceScore:   30,
		AnomalyScore:       -0.5,
	}
}

// WithDefaults fills unset fields from DefaultThresholds
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ProfitMargin == 0 {
		t.ProfitMargin = d.ProfitMargin
	}
	if t.StockTurnover == 0 {
		t.StockTurnover = d.StockTurnover
	}
	if t.HighInventoryValue == 0 {
		t.HighInventoryValue = d.HighInventoryValue
	}
	if t.HighInventoryTopN == 0 {
		t.HighInventoryTopN = d.HighInventoryTopN
	}
	if t.PerformanceScore == 0 {
		t.PerformanceScore = d.PerformanceScore
	}
	if t.AnomalyScore == 0 {
		t.AnomalyScore = d.AnomalyScore
	}
	return t
}

// Rule is a named predicate over a metrics row plus the static metadata
// copied onto every alert it raises.
type Rule struct {
	Kind      models.AlertKind
	Priority  models.Priority
	Threshold float64

	// Match returns the observed value and whether the row violates the
	// rule. Rules over optional fields return false when the field is nil.
	Match func(row models.MetricsRow) (float64, bool)

	// Limit keeps only the N largest matches by value. Zero means no limit.
	Limit int

	ThresholdText  string
	Recommendation string
	MetricValue    func(v float64) string
	Message        func(v float64) string
}

// Evaluate applies every rule to every row. Output is ordered by rule, then
// by row (or by value for limited rules). It has no side effects.
func Evaluate(snapshot []models.MetricsRow, rules []Rule) []models.Alert {
	var out []models.Alert
	for _, r := range rules {
		out = append(out, r.evaluate(snapshot)...)
	}
	return out
}

type match struct {
	row   models.MetricsRow
	value float64
}

func (r Rule) evaluate(snapshot []models.MetricsRow) []models.Alert {
	var matches []match
	for _, row := range snapshot {
		if v, ok := r.Match(row); ok {
			matches = append(matches, match{row: row, value: v})
		}
	}

	if r.Limit > 0 && len(matches) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].value > matches[j].value
		})
		if len(matches) > r.Limit {
			matches = matches[:r.Limit]
		}
	}

	alerts := make([]models.Alert, 0, len(matches))
	for _, m := range matches {
		alerts = append(alerts, r.alert(m))
	}
	return alerts
}

func (r Rule) alert(m match) models.Alert {
	a := models.Alert{
		Kind:           r.Kind,
		Priority:       r.Priority,
		Vendor:         m.row.Vendor,
		Item:           m.row.Item,
		Value:          m.value,
		Threshold:      r.Threshold,
		ThresholdText:  r.ThresholdText,
		Recommendation: r.Recommendation,
	}
	if r.MetricValue != nil {
		a.MetricValue = r.MetricValue(m.value)
	}
	if r.Message != nil {
		a.Message = r.Message(m.value)
	}
	return a
}

// DefaultRules builds the eight built-in rules
func DefaultRules(t Thresholds) []Rule {
	t = t.WithDefaults()

	return []Rule{
		{
			Kind:      models.KindLowProfitMargin,
			Priority:  models.PriorityHigh,
			Threshold: t.ProfitMargin,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.ProfitMargin, row.ProfitMargin < t.ProfitMargin
			},
			ThresholdText:  num(t.ProfitMargin) + "%",
			Recommendation: "Review pricing strategy or negotiate better purchase terms",
			MetricValue:    func(v float64) string { return fmt.Sprintf("%.2f%%", v) },
			Message: func(v float64) string {
				return fmt.Sprintf("Profit margin (%.2f%%) below threshold (%s%%)", v, num(t.ProfitMargin))
			},
		},
		{
			Kind:     models.KindNegativeProfit,
			Priority: models.PriorityCritical,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.GrossProfit, row.GrossProfit < 0
			},
			ThresholdText:  "$0.00",
			Recommendation: "URGENT: Review immediately - selling at a loss!",
			MetricValue:    dollars,
			Message: func(v float64) string {
				return fmt.Sprintf("NEGATIVE PROFIT: Losing $%.2f", math.Abs(v))
			},
		},
		{
			Kind:      models.KindLowStockTurnover,
			Priority:  models.PriorityMedium,
			Threshold: t.StockTurnover,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.StockTurnover, row.StockTurnover < t.StockTurnover
			},
			ThresholdText:  num(t.StockTurnover) + "x",
			Recommendation: "Consider discounting or promotional activities",
			MetricValue:    func(v float64) string { return fmt.Sprintf("%.2fx", v) },
			Message: func(v float64) string {
				return fmt.Sprintf("Slow-moving inventory (turnover: %.2fx)", v)
			},
		},
		{
			Kind:     models.KindOverstocked,
			Priority: models.PriorityHigh,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.TotalPurchaseDollars, row.IsOverstocked != nil && *row.IsOverstocked
			},
			ThresholdText:  "Optimal level",
			Recommendation: "Reduce ordering, consider clearance sale",
			MetricValue:    dollars,
			Message:        fixed("Overstocked - excessive inventory value"),
		},
		{
			Kind:     models.KindUnderstocked,
			Priority: models.PriorityCritical,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.TotalPurchaseDollars, row.IsUnderstocked != nil && *row.IsUnderstocked
			},
			ThresholdText:  "Reorder point",
			Recommendation: "URGENT: Reorder immediately to avoid stockout",
			MetricValue:    dollars,
			Message:        fixed("Stock level critically low"),
		},
		{
			Kind:      models.KindHighInventoryValue,
			Priority:  models.PriorityLow,
			Threshold: t.HighInventoryValue,
			Limit:     t.HighInventoryTopN,
			Match: func(row models.MetricsRow) (float64, bool) {
				return row.TotalPurchaseDollars, row.TotalPurchaseDollars > t.HighInventoryValue
			},
			ThresholdText:  "$" + num(t.HighInventoryValue),
			Recommendation: "Track closely to ensure adequate return on investment",
			MetricValue:    dollars,
			Message:        fixed("High inventory value - monitor closely"),
		},
		{
			Kind:      models.KindPoorPerformance,
			Priority:  models.PriorityHigh,
			Threshold: t.PerformanceScore,
			Match: func(row models.MetricsRow) (float64, bool) {
				if row.PerformanceScore == nil {
					return 0, false
				}
				return *row.PerformanceScore, *row.PerformanceScore < t.PerformanceScore
			},
			ThresholdText:  num(t.PerformanceScore) + "/100",
			Recommendation: "Review vendor relationship - consider alternatives",
			MetricValue:    func(v float64) string { return fmt.Sprintf("%.1f/100", v) },
			Message: func(v float64) string {
				return fmt.Sprintf("Poor overall performance score (%.1f/100)", v)
			},
		},
		{
			Kind:      models.KindAnomaly,
			Priority:  models.PriorityMedium,
			Threshold: t.AnomalyScore,
			Match: func(row models.MetricsRow) (float64, bool) {
				if row.AnomalyScore == nil {
					return 0, false
				}
				return *row.AnomalyScore, *row.AnomalyScore < t.AnomalyScore
			},
			ThresholdText:  num(t.AnomalyScore),
			Recommendation: "Investigate for data quality issues or exceptional circumstances",
			MetricValue:    func(v float64) string { return fmt.Sprintf("%.2f", v) },
			Message:        fixed("Unusual behavior pattern detected"),
		},
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func dollars(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func fixed(msg string) func(float64) string {
	return func(float64) string { return msg }
}
