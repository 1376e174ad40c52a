package core

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/dispatch"
	"github.com/xkilldash9x/scalpel-audit/internal/fuzzer"
	"github.com/xkilldash9x/scalpel-audit/internal/kb"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
	"github.com/xkilldash9x/scalpel-audit/internal/timing"
)

// AuditContext carries what an audit plugin needs to test one request
// template. The baseline response is shared read-only by every mutant.
type AuditContext struct {
	Template   *fuzzer.RequestTemplate
	Baseline   *schemas.Response
	Sender     network.Sender
	Store      *kb.Store
	Dispatcher *dispatch.Dispatcher
	Oracle     *timing.Oracle
	Logger     *zap.Logger
}

// Send sends a mutant's request. It matches dispatch.SendFunc.
func (ac *AuditContext) Send(ctx context.Context, m *fuzzer.Mutant) (*schemas.Response, error) {
	return ac.Sender.Send(ctx, m.Request())
}

// Fuzz generates mutants for points and payloads, then dispatches them and
// blocks until the batch completes. A nil points slice selects every
// injection point.
func (ac *AuditContext) Fuzz(ctx context.Context, points, payloads []string, analyze dispatch.AnalyzeFunc) (dispatch.Summary, error) {
	mutants, err := fuzzer.Generate(ac.Template, points, payloads, ac.Baseline)
	if err != nil {
		return dispatch.Summary{}, err
	}
	return ac.Dispatcher.Dispatch(ctx, mutants, ac.Send, analyze), nil
}

// SerializedResponse is the JSON form of a response embedded in finding evidence.
type SerializedResponse struct {
	ID         int64               `json:"id"`
	URL        string              `json:"url"`
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body,omitempty"`
	ElapsedMS  int64               `json:"elapsed_ms"`
}

// maxEvidenceBody caps how much of a body is copied into evidence.
const maxEvidenceBody = 4096

// Evidence serializes responses for Finding.Evidence. Bodies are truncated.
func Evidence(responses ...*schemas.Response) []byte {
	out := make([]SerializedResponse, 0, len(responses))
	for _, r := range responses {
		if r == nil {
			continue
		}
		body := r.Body
		if len(body) > maxEvidenceBody {
			body = body[:maxEvidenceBody]
		}
		out = append(out, SerializedResponse{
			ID:         r.ID,
			URL:        r.URL,
			StatusCode: r.StatusCode,
			Headers:    r.Headers,
			Body:       body,
			ElapsedMS:  r.Elapsed.Milliseconds(),
		})
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}
