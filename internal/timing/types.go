// Package timing implements a blind timing oracle: it decides whether a
// target's response time can be controlled through an injected delay.
package timing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// Outcome is the verdict for one delay technique.
type Outcome int

const (
	// Inconclusive means a trial could not be completed, e.g. a transport error.
	Inconclusive Outcome = iota
	NotControlled
	Controlled
)

func (o Outcome) String() string {
	switch o {
	case Controlled:
		return "controlled"
	case NotControlled:
		return "not_controlled"
	default:
		return "inconclusive"
	}
}

// DelayTechnique synthesizes delay-inducing payloads for one execution
// environment. Template has a single %s verb that receives the delay
// expressed in the environment's unit.
type DelayTechnique struct {
	Name   string
	Family string
	// Template is e.g. "sleep(%s);" or "Thread.sleep(%s);".
	Template string
	// Multiplier converts seconds to the template's unit: 1 for seconds,
	// 1000 for milliseconds.
	Multiplier int
}

// Payload renders the technique for a delay of seconds.
func (t DelayTechnique) Payload(seconds int) string {
	mult := t.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return strings.Replace(t.Template, "%s", strconv.Itoa(seconds*mult), 1)
}

func (t DelayTechnique) String() string {
	return fmt.Sprintf("%s(%s x%d)", t.Name, t.Template, t.Multiplier)
}

// Statistics summarizes a baseline sample of round-trip times.
type Statistics struct {
	Samples int
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Median  time.Duration
	StdDev  time.Duration
}

// Trial is one delayed request and the band it had to land in.
type Trial struct {
	Payload   string
	Requested time.Duration
	Elapsed   time.Duration
	Lower     time.Duration
	Upper     time.Duration
	Response  *schemas.Response
}

// InBand reports whether the elapsed time tracked the requested delay.
func (t Trial) InBand() bool {
	return t.Elapsed >= t.Lower && t.Elapsed <= t.Upper
}

// TechniqueResult records how one technique fared.
type TechniqueResult struct {
	Technique DelayTechnique
	Outcome   Outcome
	Baseline  Statistics
	Trials    []Trial
	Err       error
}

// Result is the oracle verdict for one target.
type Result struct {
	Controlled bool
	// Technique is the first technique that passed, nil otherwise.
	Technique *DelayTechnique
	// Evidence holds the delayed responses that confirmed control.
	Evidence []*schemas.Response
	// Skipped is set when the target was already confirmed and no traffic was sent.
	Skipped  bool
	Attempts []TechniqueResult
}

// ResponseIDs returns the ids of the evidence responses.
func (r Result) ResponseIDs() []int64 {
	ids := make([]int64, 0, len(r.Evidence))
	for _, resp := range r.Evidence {
		ids = append(ids, resp.ID)
	}
	return ids
}
