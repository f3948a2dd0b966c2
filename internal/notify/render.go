package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	"text/template"

	"vendorwatch/internal/models"
)

// Message is a digest rendered once per cycle and handed to every transport
type Message struct {
	Subject string
	Text    string
	HTML    string
	Digest  models.Digest
}

var funcs = map[string]any{
	"title": func(k models.AlertKind) string { return k.Title() },
	"date":  func(d models.Digest) string { return d.GeneratedAt.Format("January 02, 2006 at 03:04 PM") },
}

var textTmpl = template.Must(template.New("text").Funcs(funcs).Parse(`Vendor Performance Alerts
{{date .}}

Alert Summary
Critical: {{len .Critical}} | High: {{len .High}} | Medium: {{len .Medium}} | Low: {{len .Low}}
{{if .Critical}}
CRITICAL ALERTS
{{range .Critical}}
- {{title .Kind}}
  Vendor: {{.Vendor}}
  Item: {{.Item}}
  Issue: {{.Message}}
  Action: {{.Recommendation}}
{{end}}{{end}}{{if .High}}
HIGH PRIORITY ALERTS
{{range .High}}
- {{title .Kind}}
  Vendor: {{.Vendor}}
  Item: {{.Item}}
  Issue: {{.Message}}
  Action: {{.Recommendation}}
{{end}}{{end}}
Total alerts: {{.Total}} | Critical: {{len .Critical}} need immediate attention
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(`<html>
<head>
<style>
body { font-family: Arial, sans-serif; }
.header { background: linear-gradient(90deg, #667eea, #764ba2); color: white; padding: 20px; }
.alert { margin: 15px 0; padding: 15px; border-left: 4px solid; }
.critical { background: #fee; border-color: #c00; }
.high { background: #ffe; border-color: #f80; }
.footer { color: #666; font-size: 12px; margin-top: 30px; }
</style>
</head>
<body>
<div class="header">
<h1>Vendor Performance Alerts</h1>
<p>{{date .}}</p>
</div>
<h2>Alert Summary</h2>
<p>Critical: {{len .Critical}} | High: {{len .High}} | Medium: {{len .Medium}} | Low: {{len .Low}}</p>
{{if .Critical}}<h2>CRITICAL ALERTS</h2>
{{range .Critical}}<div class="alert critical">
<strong>{{title .Kind}}</strong><br>
<strong>Vendor:</strong> {{.Vendor}}<br>
<strong>Item:</strong> {{.Item}}<br>
<strong>Issue:</strong> {{.Message}}<br>
<strong>Action:</strong> {{.Recommendation}}
</div>
{{end}}{{end}}{{if .High}}<h2>HIGH PRIORITY ALERTS</h2>
{{range .High}}<div class="alert high">
<strong>{{title .Kind}}</strong><br>
<strong>Vendor:</strong> {{.Vendor}}<br>
<strong>Item:</strong> {{.Item}}<br>
<strong>Issue:</strong> {{.Message}}<br>
<strong>Action:</strong> {{.Recommendation}}
</div>
{{end}}{{end}}<div class="footer">
<p>This is an automated alert from your Vendor Analytics System.</p>
<p>Total alerts: {{.Total}} | Critical: {{len .Critical}} need immediate attention</p>
</div>
</body>
</html>
`))

// Subject is the digest's mail subject line
func Subject(d models.Digest) string {
	return fmt.Sprintf("Vendor Alert: %d Critical, %d High Priority", len(d.Critical), len(d.High))
}

// Render produces the subject, plain text and HTML bodies of a digest
func Render(d models.Digest) (Message, error) {
	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, d); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	if err := htmlTmpl.Execute(&html, d); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	return Message{
		Subject: Subject(d),
		Text:    text.String(),
		HTML:    html.String(),
		Digest:  d,
	}, nil
}

// WriteSummary prints the console summary of a cycle: counts, then up to
// five critical and five high alerts.
func WriteSummary(w io.Writer, d models.Digest) error {
	var b strings.Builder

	if d.IsEmpty() {
		b.WriteString("\nNo alerts - all systems normal!\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	rule := strings.Repeat("=", 70)
	fmt.Fprintf(&b, "\n%s\nALERT SUMMARY\n%s\n", rule, rule)
	fmt.Fprintf(&b, "Total Alerts: %d\n", d.Total())
	for _, p := range models.Priorities {
		fmt.Fprintf(&b, "%s: %d\n", p.Label(), countOf(d, p))
	}
	b.WriteString(rule + "\n")

	if len(d.Critical) > 0 {
		b.WriteString("\nCRITICAL ALERTS (Action Required IMMEDIATELY):\n")
		for i, a := range head(d.Critical, 5) {
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, a.Kind.Title())
			fmt.Fprintf(&b, "   Vendor: %s\n", a.Vendor)
			fmt.Fprintf(&b, "   Item: %s\n", a.Item)
			fmt.Fprintf(&b, "   Issue: %s\n", a.Message)
			fmt.Fprintf(&b, "   Action: %s\n", a.Recommendation)
		}
	}

	if len(d.High) > 0 {
		b.WriteString("\nHIGH PRIORITY ALERTS (Action Required Soon):\n")
		for i, a := range head(d.High, 5) {
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, a.Kind.Title())
			fmt.Fprintf(&b, "   Vendor: %s\n", a.Vendor)
			fmt.Fprintf(&b, "   Issue: %s\n", a.Message)
		}
	}

	b.WriteString("\n" + rule + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func countOf(d models.Digest, p models.Priority) int {
	switch p {
	case models.PriorityCritical:
		return len(d.Critical)
	case models.PriorityHigh:
		return len(d.High)
	case models.PriorityMedium:
		return len(d.Medium)
	case models.PriorityLow:
		return len(d.Low)
	default:
		return 0
	}
}

func head(alerts []models.Alert, n int) []models.Alert {
	if len(alerts) > n {
		return alerts[:n]
	}
	return alerts
}
