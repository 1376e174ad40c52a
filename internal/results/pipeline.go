package results

import (
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// AttrCWEName is the attribute the enricher adds with the primary CWE's name.
const AttrCWEName = "cwe_name"

var severityOrder = map[schemas.Severity]int{
	schemas.SeverityCritical: 1,
	schemas.SeverityHigh:     2,
	schemas.SeverityMedium:   3,
	schemas.SeverityLow:      4,
	schemas.SeverityInfo:     5,
}

// Pipeline prepares scan results for reporting: it enriches findings with
// CWE details and orders them by severity.
type Pipeline struct {
	cwe    CWEProvider
	logger *zap.Logger
}

// NewPipeline creates a pipeline. A nil provider uses the built-in CWE table.
func NewPipeline(cwe CWEProvider, logger *zap.Logger) *Pipeline {
	if cwe == nil {
		cwe = NewInMemoryCWEProvider()
	}
	return &Pipeline{
		cwe:    cwe,
		logger: observability.OrNop(logger).Named("results_pipeline"),
	}
}

// Process enriches and orders the envelope's findings in place and returns
// the number of findings per severity.
func (p *Pipeline) Process(envelope *schemas.ResultEnvelope) map[schemas.Severity]int {
	counts := make(map[schemas.Severity]int)
	if envelope == nil {
		return counts
	}

	for i := range envelope.Findings {
		p.enrich(&envelope.Findings[i])
		counts[envelope.Findings[i].Severity]++
	}
	Prioritize(envelope.Findings)

	p.logger.Debug("Results processed",
		zap.String("scan_id", envelope.ScanID),
		zap.Int("findings", len(envelope.Findings)))
	return counts
}

// enrich fills gaps from the primary CWE. Plugin-provided text is never replaced.
func (p *Pipeline) enrich(f *schemas.Finding) {
	if len(f.CWE) == 0 {
		return
	}
	entry, ok := p.cwe.GetCWE(f.CWE[0])
	if !ok {
		p.logger.Debug("No CWE details available", zap.String("cwe_id", f.CWE[0]))
		return
	}
	if f.Description == "" {
		f.Description = entry.Description
	}
	if f.Recommendation == "" {
		f.Recommendation = entry.Mitigation
	}
	if _, exists := f.Attributes.Get(AttrCWEName); !exists {
		f.Attributes = f.Attributes.Set(AttrCWEName, entry.Name)
	}
}

// Prioritize sorts findings by severity, most severe first, then by
// vulnerability name. Unknown severities sort last. The sort is stable.
func Prioritize(findings []schemas.Finding) {
	rank := func(s schemas.Severity) int {
		if r, ok := severityOrder[s]; ok {
			return r
		}
		return 99
	}
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := rank(findings[i].Severity), rank(findings[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return findings[i].VulnerabilityName < findings[j].VulnerabilityName
	})
}
