package results

// CWEEntry holds details about a specific CWE.
type CWEEntry struct {
	ID          string
	Name        string
	Description string
	Mitigation  string
}

// CWEProvider retrieves CWE information.
type CWEProvider interface {
	GetCWE(id string) (CWEEntry, bool)
}

// InMemoryCWEProvider serves a fixed table covering the weaknesses the
// built-in plugins report.
type InMemoryCWEProvider struct {
	data map[string]CWEEntry
}

// NewInMemoryCWEProvider creates a provider with the built-in table.
func NewInMemoryCWEProvider() *InMemoryCWEProvider {
	entries := []CWEEntry{
		{
			ID:          "CWE-95",
			Name:        "Improper Neutralization of Directives in Dynamically Evaluated Code ('Eval Injection')",
			Description: "The product receives input from an upstream component, but it does not neutralize code syntax before using the input in a dynamic evaluation call.",
			Mitigation:  "Avoid dynamic evaluation of input. If unavoidable, restrict input to a strict allowlist of values.",
		},
		{
			ID:          "CWE-643",
			Name:        "Improper Neutralization of Data within XPath Expressions ('XPath Injection')",
			Description: "The product uses external input to dynamically construct an XPath expression used to retrieve data from an XML database, but it does not neutralize that input.",
			Mitigation:  "Use parameterized XPath queries or escape quote characters in input.",
		},
		{
			ID:          "CWE-209",
			Name:        "Generation of Error Message Containing Sensitive Information",
			Description: "The product generates an error message that includes sensitive information about its environment, users, or associated data.",
			Mitigation:  "Return generic error pages and log details on the server only.",
		},
		{
			ID:          "CWE-200",
			Name:        "Exposure of Sensitive Information to an Unauthorized Actor",
			Description: "The product exposes sensitive information to an actor that is not explicitly authorized to have access to that information.",
			Mitigation:  "Remove version banners and internal details from responses.",
		},
	}

	data := make(map[string]CWEEntry, len(entries))
	for _, e := range entries {
		data[e.ID] = e
	}
	return &InMemoryCWEProvider{data: data}
}

// GetCWE retrieves CWE details by ID.
func (p *InMemoryCWEProvider) GetCWE(id string) (CWEEntry, bool) {
	entry, ok := p.data[id]
	return entry, ok
}
