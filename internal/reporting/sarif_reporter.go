package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
	"github.com/xkilldash9x/scalpel-audit/internal/reporting/sarif"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "Scalpel Audit"
	ToolInfoURI  = "https://github.com/xkilldash9x/scalpel-audit"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	// fingerprintKey names the partial fingerprint that identifies a finding
	// across runs: same detector, same URL, same parameter.
	fingerprintKey = "scalpelFinding/v1"
)

// ruleIDSanitizer matches runs of characters not allowed in rule IDs.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint is used to uniquely identify a rule definition based on its content.
type RuleFingerprint string

// calculateFingerprint generates a unique hash for the defining characteristics of a finding.
func calculateFingerprint(finding schemas.Finding) RuleFingerprint {
	sortedCWEs := append([]string(nil), finding.CWE...)
	sort.Strings(sortedCWEs)

	data := struct {
		Plugin         string
		Name           string
		Description    string
		Recommendation string
		CWEs           []string
	}{
		Plugin:         finding.Plugin,
		Name:           finding.VulnerabilityName,
		Description:    finding.Description,
		Recommendation: finding.Recommendation,
		CWEs:           sortedCWEs,
	}

	h := sha1.New()
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(h).Encode(data)
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// resultFingerprint is stable across runs for the same detector, URL and parameter.
func resultFingerprint(finding schemas.Finding) string {
	key := strings.Join([]string{finding.Category, string(finding.Method), finding.Target, finding.Var}, "\x00")
	h1, h2 := murmur3.Sum128([]byte(key))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// SARIFReporter implements the Reporter interface for the SARIF 2.1.0 format.
// It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu                 sync.Mutex
	rulesByFingerprint map[RuleFingerprint]string
	ruleIDUsage        map[string]int
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						Rules:          []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             observability.GetLogger().Named("sarif_reporter"),
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// Write converts a ResultEnvelope into SARIF results plus one invocation
// carrying the scan's summaries.
func (r *SARIFReporter) Write(result *schemas.ResultEnvelope) error {
	if result == nil {
		return fmt.Errorf("nil result envelope")
	}
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	for _, finding := range result.Findings {
		ruleID := r.ensureRule(finding)

		messageText := finding.Description
		if messageText == "" {
			messageText = finding.VulnerabilityName
		}

		props := sarif.PropertyBag{
			"scanId":      result.ScanID,
			"plugin":      finding.Plugin,
			"severity":    string(finding.Severity),
			"responseIds": finding.ResponseIDs,
		}
		if finding.Var != "" {
			props["parameter"] = finding.Var
		}
		if finding.Payload != "" {
			props["payload"] = finding.Payload
		}
		for _, attr := range finding.Attributes {
			props[attr.Key] = attr.Value
		}

		run.Results = append(run.Results, &sarif.Result{
			RuleID:              ruleID,
			Message:             &sarif.Message{Text: pString(messageText)},
			Level:               mapSeverityToSARIFLevel(finding.Severity),
			Locations:           r.createLocations(finding),
			PartialFingerprints: map[string]string{fingerprintKey: resultFingerprint(finding)},
			Properties:          &props,
		})
	}

	invocation := &sarif.Invocation{
		ExecutionSuccessful: true,
		Properties: &sarif.PropertyBag{
			"scanId":   result.ScanID,
			"target":   result.Target,
			"requests": result.Requests,
		},
	}
	if !result.Timestamp.IsZero() {
		invocation.StartTimeUTC = pString(result.Timestamp.UTC().Format(time.RFC3339))
	}
	for _, sum := range result.Summaries {
		text := sum.Heading
		if len(sum.Items) > 0 {
			text += "\n" + strings.Join(sum.Items, "\n")
		}
		invocation.ToolExecutionNotifications = append(invocation.ToolExecutionNotifications, &sarif.Notification{
			Message:    &sarif.Message{Text: pString(text)},
			Level:      sarif.LevelNote,
			Properties: &sarif.PropertyBag{"plugin": sum.Plugin},
		})
	}
	run.Invocations = append(run.Invocations, invocation)

	if len(result.Findings) > 0 {
		r.logger.Debug("Wrote findings to SARIF buffer",
			zap.Int("findings_count", len(result.Findings)),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// The writer is closed even when encoding fails.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Info("Successfully wrote SARIF report",
		zap.Duration("duration_ms", time.Since(startTime)),
	)
	return nil
}

// sanitizeRuleName creates a standardized base name for the rule ID.
func (r *SARIFReporter) sanitizeRuleName(name string) string {
	if name == "" {
		return "UNNAMED-VULNERABILITY"
	}

	sanitizedName := strings.ToUpper(name)
	sanitizedName = ruleIDSanitizer.ReplaceAllString(sanitizedName, "-")
	sanitizedName = strings.Trim(sanitizedName, "-")

	if sanitizedName == "" {
		return "UNKNOWN-VULNERABILITY"
	}
	return sanitizedName
}

// ensureRule returns the rule ID for the finding, registering a new rule
// definition the first time its fingerprint is seen. Callers hold mu.
func (r *SARIFReporter) ensureRule(finding schemas.Finding) string {
	fingerprint := calculateFingerprint(finding)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := "SCALPEL-" + r.sanitizeRuleName(finding.VulnerabilityName)

	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	finalRuleID := baseRuleID
	if usageCount > 0 {
		finalRuleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", baseRuleID),
			zap.String("final_id", finalRuleID),
		)
	}

	r.logger.Debug("Registering new SARIF rule definition", zap.String("rule_id", finalRuleID))

	markdownHelp := fmt.Sprintf("**Vulnerability:** %s\n\n**Description:**\n%s\n\n**Recommendation:**\n%s",
		finding.VulnerabilityName, finding.Description, finding.Recommendation)

	tags := []string{"security", "scalpel"}
	if finding.Category != "" {
		tags = append(tags, finding.Category)
	}

	driver := r.log.Runs[0].Tool.Driver
	driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
		ID:               finalRuleID,
		Name:             pString(finding.VulnerabilityName),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(finding.VulnerabilityName)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(finding.Description)},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(finding.Recommendation),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags":      tags,
			"precision": "high",
			"plugin":    finding.Plugin,
			"CWE":       finding.CWE,
		},
	})
	r.rulesByFingerprint[fingerprint] = finalRuleID
	return finalRuleID
}

// createLocations converts finding details into SARIF location objects.
func (r *SARIFReporter) createLocations(finding schemas.Finding) []*sarif.Location {
	msgText := fmt.Sprintf("Vulnerability found at %s", finding.Target)
	if finding.Var != "" {
		msgText = fmt.Sprintf("Vulnerability found at %s in parameter %q", finding.Target, finding.Var)
	}

	return []*sarif.Location{{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(finding.Target)},
		},
		Message: &sarif.Message{Text: pString(msgText)},
	}}
}

// mapSeverityToSARIFLevel converts a finding severity to the SARIF standard.
func mapSeverityToSARIFLevel(severity schemas.Severity) sarif.Level {
	switch strings.ToLower(string(severity)) {
	case "critical", "high":
		return sarif.LevelError
	case "medium":
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}
