package schemas

import (
	"encoding/json"
	"time"
)

// -- Finding Schemas --

// Severity represents the severity level of a security finding, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

// Constants defining the standard severity levels for findings.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// String implements fmt.Stringer.
func (s Severity) String() string { return string(s) }

// Attribute is a single plugin-specific key/value pair attached to a finding.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Attributes is an ordered bag of plugin-specific extension fields. Keys are
// unique; Set replaces an existing value in place so insertion order is stable.
type Attributes []Attribute

// Get returns the value stored under key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Set returns a copy of the bag with key bound to value.
func (a Attributes) Set(key, value string) Attributes {
	out := make(Attributes, len(a), len(a)+1)
	copy(out, a)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Attribute{Key: key, Value: value})
}

// Finding is a recorded, evidenced vulnerability or anomaly claim. The fixed
// fields cover every detector; plugin-specific data lives in Attributes.
// This struct maps directly to the `findings` table in the database.
type Finding struct {
	ID     string `json:"id"`
	ScanID string `json:"scan_id"`

	// ObservedAt is the timestamp when the finding was recorded.
	ObservedAt time.Time `json:"observed_at"`

	Plugin   string `json:"plugin"`   // Name of the detector that raised it.
	Category string `json:"category"` // Knowledge base category, e.g. "eval" or "strange_headers".

	Target string `json:"target"` // URL the evidence was observed on.
	Method Method `json:"method,omitempty"`

	// VulnerabilityName is a short descriptive name, e.g. "eval() input injection vulnerability".
	VulnerabilityName string   `json:"vulnerability_name"`
	Severity          Severity `json:"severity"`
	Description       string   `json:"description"`

	// Var and Payload identify the injection point and the value that triggered the finding.
	Var     string `json:"var,omitempty"`
	Payload string `json:"payload,omitempty"`

	// ResponseIDs lists the transport ids of every response that evidences the finding.
	ResponseIDs []int64 `json:"response_ids"`
	// Highlight carries excerpts worth marking in the evidence bodies.
	Highlight []string `json:"highlight,omitempty"`

	Attributes Attributes `json:"attributes,omitempty"`

	// Evidence provides structured, machine-readable proof (stored as JSONB).
	Evidence json.RawMessage `json:"evidence,omitempty"`

	Recommendation string   `json:"recommendation,omitempty"`
	CWE            []string `json:"cwe,omitempty"`
}

// Clone returns a deep copy so stored findings never alias caller slices.
func (f Finding) Clone() Finding {
	out := f
	out.ResponseIDs = append([]int64(nil), f.ResponseIDs...)
	out.Highlight = append([]string(nil), f.Highlight...)
	out.Attributes = append(Attributes(nil), f.Attributes...)
	out.CWE = append([]string(nil), f.CWE...)
	if f.Evidence != nil {
		out.Evidence = append(json.RawMessage(nil), f.Evidence...)
	}
	return out
}

// HasResponseID reports whether id is already listed as evidence.
func (f Finding) HasResponseID(id int64) bool {
	for _, existing := range f.ResponseIDs {
		if existing == id {
			return true
		}
	}
	return false
}
