package nvd

import (
	"encoding/json"
	"strings"

	"github.com/seclens/cvewatch/internal/cve"
)

// feedPage mirrors the slice of the NVD 2.0 response this crawler
// reads. Unknown fields are ignored.
type feedPage struct {
	ResultsPerPage  int                 `json:"resultsPerPage"`
	StartIndex      int                 `json:"startIndex"`
	TotalResults    int                 `json:"totalResults"`
	Vulnerabilities []feedVulnerability `json:"vulnerabilities"`
}

type feedVulnerability struct {
	CVE feedCVE `json:"cve"`
}

type feedCVE struct {
	ID           string            `json:"id"`
	VulnStatus   string            `json:"vulnStatus"`
	Descriptions []feedDescription `json:"descriptions"`
	Metrics      feedMetrics       `json:"metrics"`
	References   []feedReference   `json:"references"`
}

type feedDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type feedMetrics struct {
	CVSSMetricV31 []feedCVSSMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []feedCVSSMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []feedCVSSMetric `json:"cvssMetricV2"`
}

type feedCVSSMetric struct {
	CVSSData feedCVSSData `json:"cvssData"`
}

type feedCVSSData struct {
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type feedReference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags"`
}

func parsePage(raw []byte) (feedPage, error) {
	var page feedPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return feedPage{}, &cve.ParseError{Source: "nvd", Err: err}
	}
	return page, nil
}

// Records converts the page's vulnerabilities into record candidates.
// Entries without an id are dropped.
func (p feedPage) Records() []cve.Record {
	records := make([]cve.Record, 0, len(p.Vulnerabilities))
	for _, vuln := range p.Vulnerabilities {
		if strings.TrimSpace(vuln.CVE.ID) == "" {
			continue
		}
		records = append(records, vuln.CVE.toRecord())
	}
	return records
}

func (c feedCVE) toRecord() cve.Record {
	score, severity := c.Metrics.primary()
	rec := cve.Record{
		ID:          cve.CanonicalID(c.ID),
		Title:       cve.CanonicalID(c.ID),
		Description: c.description(),
		Status:      cve.StatusNew,
		Severity:    severity,
		CVSSScore:   score,
	}
	for _, ref := range c.References {
		if ref.URL == "" {
			continue
		}
		rec.References = append(rec.References, cve.Reference{
			URL:    ref.URL,
			Source: ref.Source,
			Tags:   ref.Tags,
		})
	}
	return rec
}

// description prefers the English text and falls back to the first
// entry when no English description exists.
func (c feedCVE) description() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

// primary picks the newest CVSS vintage present: v3.1, then v3.0,
// then v2.
func (m feedMetrics) primary() (float64, cve.Severity) {
	for _, metrics := range [][]feedCVSSMetric{m.CVSSMetricV31, m.CVSSMetricV30, m.CVSSMetricV2} {
		if len(metrics) > 0 {
			data := metrics[0].CVSSData
			return data.BaseScore, mapSeverity(data.BaseSeverity)
		}
	}
	return 0, cve.SeverityUnknown
}

func mapSeverity(raw string) cve.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return cve.SeverityCritical
	case "high":
		return cve.SeverityHigh
	case "medium":
		return cve.SeverityMedium
	case "low":
		return cve.SeverityLow
	default:
		return cve.SeverityUnknown
	}
}
