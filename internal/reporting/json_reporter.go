package reporting

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// JSONReport is the document written by JSONReporter.
type JSONReport struct {
	Tool    string                    `json:"tool"`
	Version string                    `json:"version"`
	Scans   []*schemas.ResultEnvelope `json:"scans"`
}

// JSONReporter buffers envelopes and writes them as one indented document on Close.
type JSONReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	report JSONReport
}

// NewJSONReporter takes ownership of writer.
func NewJSONReporter(writer io.WriteCloser, toolVersion string) *JSONReporter {
	return &JSONReporter{
		writer: writer,
		report: JSONReport{Tool: ToolName, Version: toolVersion, Scans: []*schemas.ResultEnvelope{}},
	}
}

func (r *JSONReporter) Write(result *schemas.ResultEnvelope) error {
	if result == nil {
		return fmt.Errorf("nil result envelope")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Scans = append(r.report.Scans, result)
	return nil
}

func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(r.report)
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode JSON output: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}
