package reporting

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// TextReporter writes a human readable report as each envelope arrives.
type TextReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewTextReporter takes ownership of writer.
func NewTextReporter(writer io.WriteCloser) *TextReporter {
	return &TextReporter{writer: writer}
}

func (r *TextReporter) Write(result *schemas.ResultEnvelope) error {
	if result == nil {
		return fmt.Errorf("nil result envelope")
	}
	text := FormatText(result)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.writer, text); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}
	return nil
}

func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	return nil
}

// FormatText renders one envelope: a header, one block per finding, then
// each summary as a heading followed by its items.
func FormatText(result *schemas.ResultEnvelope) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Scan %s: %s\n", result.ScanID, result.Target)
	fmt.Fprintf(&b, "Requests sent: %d\n", result.Requests)
	if len(result.Findings) == 0 {
		b.WriteString("No findings.\n")
	}

	for _, f := range result.Findings {
		fmt.Fprintf(&b, "\n[%s] %s\n", strings.ToUpper(string(f.Severity)), f.VulnerabilityName)
		writeField(&b, "URL", f.Target)
		writeField(&b, "Method", string(f.Method))
		writeField(&b, "Parameter", f.Var)
		writeField(&b, "Payload", strconv.Quote(f.Payload))
		writeField(&b, "Plugin", f.Plugin)
		if len(f.ResponseIDs) > 0 {
			ids := make([]string, len(f.ResponseIDs))
			for i, id := range f.ResponseIDs {
				ids[i] = strconv.FormatInt(id, 10)
			}
			writeField(&b, "Responses", strings.Join(ids, ", "))
		}
		if len(f.CWE) > 0 {
			writeField(&b, "CWE", strings.Join(f.CWE, ", "))
		}
		for _, attr := range f.Attributes {
			writeField(&b, attr.Key, strings.ReplaceAll(attr.Value, "\n", ", "))
		}
		if f.Description != "" {
			fmt.Fprintf(&b, "  %s\n", f.Description)
		}
	}

	for _, sum := range result.Summaries {
		fmt.Fprintf(&b, "\n%s\n", sum.Heading)
		for _, item := range sum.Items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}
	b.WriteString("\n")
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" || value == `""` {
		return
	}
	fmt.Fprintf(b, "  %-10s %s\n", name+":", value)
}
