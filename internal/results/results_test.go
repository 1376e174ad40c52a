package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

type stubCWEProvider map[string]CWEEntry

func (s stubCWEProvider) GetCWE(id string) (CWEEntry, bool) {
	e, ok := s[id]
	return e, ok
}

func TestInMemoryCWEProvider(t *testing.T) {
	p := NewInMemoryCWEProvider()
	for _, id := range []string{"CWE-95", "CWE-643", "CWE-209", "CWE-200"} {
		entry, ok := p.GetCWE(id)
		require.True(t, ok, id)
		assert.Equal(t, id, entry.ID)
		assert.NotEmpty(t, entry.Name)
		assert.NotEmpty(t, entry.Mitigation)
	}
	_, ok := p.GetCWE("CWE-0")
	assert.False(t, ok)
}

func TestPipelineProcess(t *testing.T) {
	provider := stubCWEProvider{
		"CWE-1": {ID: "CWE-1", Name: "First", Description: "desc one", Mitigation: "fix one"},
	}
	p := NewPipeline(provider, zaptest.NewLogger(t))

	env := &schemas.ResultEnvelope{
		ScanID: "s",
		Findings: []schemas.Finding{
			{ID: "info", VulnerabilityName: "b", Severity: schemas.SeverityInfo},
			{ID: "med-b", VulnerabilityName: "b", Severity: schemas.SeverityMedium},
			{ID: "weird", VulnerabilityName: "a", Severity: "unknown"},
			{ID: "high", VulnerabilityName: "z", Severity: schemas.SeverityHigh, CWE: []string{"CWE-1"}},
			{ID: "med-a", VulnerabilityName: "a", Severity: schemas.SeverityMedium, CWE: []string{"CWE-1"},
				Description: "plugin text", Recommendation: "plugin fix"},
			{ID: "missing", VulnerabilityName: "c", Severity: schemas.SeverityLow, CWE: []string{"CWE-2"}},
		},
	}

	counts := p.Process(env)
	assert.Equal(t, map[schemas.Severity]int{
		schemas.SeverityInfo:   1,
		schemas.SeverityMedium: 2,
		schemas.SeverityHigh:   1,
		schemas.SeverityLow:    1,
		"unknown":              1,
	}, counts)

	var ids []string
	for _, f := range env.Findings {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"high", "med-a", "med-b", "missing", "info", "weird"}, ids)

	high := env.Findings[0]
	assert.Equal(t, "desc one", high.Description)
	assert.Equal(t, "fix one", high.Recommendation)
	name, ok := high.Attributes.Get(AttrCWEName)
	assert.True(t, ok)
	assert.Equal(t, "First", name)

	medA := env.Findings[1]
	assert.Equal(t, "plugin text", medA.Description)
	assert.Equal(t, "plugin fix", medA.Recommendation)

	_, ok = env.Findings[3].Attributes.Get(AttrCWEName)
	assert.False(t, ok)
}

func TestPipelineProcess_NilEnvelope(t *testing.T) {
	assert.Empty(t, NewPipeline(nil, nil).Process(nil))
}

func TestPrioritizeIsStable(t *testing.T) {
	findings := []schemas.Finding{
		{ID: "1", VulnerabilityName: "x", Severity: schemas.SeverityLow},
		{ID: "2", VulnerabilityName: "x", Severity: schemas.SeverityLow},
		{ID: "3", VulnerabilityName: "x", Severity: schemas.SeverityCritical},
	}
	Prioritize(findings)
	assert.Equal(t, "3", findings[0].ID)
	assert.Equal(t, "1", findings[1].ID)
	assert.Equal(t, "2", findings[2].ID)
}
