package notify

import (
	"time"

	"vendorwatch/internal/models"
)

// BuildDigest groups alerts by priority, keeping their order within each
// group.
func BuildDigest(alerts []models.Alert, at time.Time) models.Digest {
	d := models.Digest{GeneratedAt: at}
	for _, a := range alerts {
		switch a.Priority {
		case models.PriorityCritical:
			d.Critical = append(d.Critical, a)
		case models.PriorityHigh:
			d.High = append(d.High, a)
		case models.PriorityMedium:
			d.Medium = append(d.Medium, a)
		case models.PriorityLow:
			d.Low = append(d.Low, a)
		default:
			// Unknown priorities are still delivered, at the lowest rank
			d.Low = append(d.Low, a)
		}
	}
	return d
}

// testDigest is the synthetic one-alert digest sent by SendTest
func testDigest(at time.Time) models.Digest {
	a := models.Alert{
		ID:             "TEST_" + at.Format("20060102150405"),
		Kind:           models.KindTest,
		Priority:       models.PriorityHigh,
		Vendor:         "Test Vendor",
		Item:           "Test Product",
		MetricValue:    "N/A",
		ThresholdText:  "N/A",
		Message:        "This is a test alert",
		Recommendation: "No action needed - this is a test",
		GeneratedAt:    at,
	}
	return BuildDigest([]models.Alert{a}, at)
}
