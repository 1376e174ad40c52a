package schemas

import (
	"time"
)

// -- Result Schemas --

// Summary is an end-of-run report block emitted by a passive detector, e.g.
// the grouped list of URLs that sent an uncommon header.
type Summary struct {
	Plugin  string   `json:"plugin"`
	Heading string   `json:"heading"`
	Items   []string `json:"items"`
}

// ResultEnvelope is the top level wrapper for all results from a single scan.
type ResultEnvelope struct {
	ScanID    string    `json:"scan_id"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Findings  []Finding `json:"findings"`
	Summaries []Summary `json:"summaries,omitempty"`
	// Requests is the number of requests the transport sent during the scan.
	Requests int64 `json:"requests"`
}
