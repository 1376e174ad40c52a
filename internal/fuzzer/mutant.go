package fuzzer

import (
	"fmt"
	"net/url"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// Mutant is a request template with exactly one injection point replaced by a
// payload that differs from the template's value. Carriers are the one
// exception: they still hold the template value. A fake mutant has no
// injection point and leaves the request untouched; it exists to drive the
// timing oracle on parameterless pages.
type Mutant struct {
	request  *RequestTemplate
	origin   *RequestTemplate
	variable string
	payload  string
	original *schemas.Response
}

// Request is the mutated request to send.
func (m *Mutant) Request() *RequestTemplate { return m.request }

// Origin is the unmutated template the mutant was derived from.
func (m *Mutant) Origin() *RequestTemplate { return m.origin }

// Var is the injection point id, empty for a fake mutant.
func (m *Mutant) Var() string { return m.variable }

func (m *Mutant) Payload() string { return m.payload }

// OriginalResponse is the baseline response for differential checks. It may be nil.
func (m *Mutant) OriginalResponse() *schemas.Response { return m.original }

// IsFake reports whether the mutant has no injection point.
func (m *Mutant) IsFake() bool { return m.variable == "" }

// ID combines the injection point and payload; it is stable across runs.
func (m *Mutant) ID() string {
	return m.variable + "=" + url.QueryEscape(m.payload)
}

// WithPayload derives a mutant on the same injection point carrying payload.
func (m *Mutant) WithPayload(payload string) (*Mutant, error) {
	out := *m
	out.payload = payload
	if m.IsFake() {
		return &out, nil
	}
	req, err := m.origin.WithValue(m.variable, payload)
	if err != nil {
		return nil, err
	}
	out.request = req
	return &out, nil
}

// FoundAt describes where the mutant was sent, for finding descriptions.
func (m *Mutant) FoundAt() string {
	if m.IsFake() {
		return fmt.Sprintf("%q, using HTTP method %s.", m.request.BaseURL(), m.request.Method())
	}
	return fmt.Sprintf("%q, using HTTP method %s. The sent %s data was: %q. The modified parameter was %q.",
		m.request.BaseURL(), m.request.Method(), m.request.Location(), m.request.EncodedParams(), m.variable)
}

// Generate produces one mutant per (injection point, payload), injection-point
// major and payload minor, in template and input order. A payload equal to
// the point's current value would leave the request unchanged and is skipped
// for that point.
//
// A nil points slice selects every injectable parameter. Points may be ids or
// bare names; mutants always report the id. When the resolved point set is
// empty a single fake mutant with an empty payload is returned, unless a
// non-empty payload was requested, which is an ErrInvalidTemplate.
func Generate(tmpl *RequestTemplate, points, payloads []string, original *schemas.Response) ([]*Mutant, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: nil template", ErrInvalidTemplate)
	}
	idx, err := resolvePoints(tmpl, points)
	if err != nil {
		return nil, err
	}

	if len(idx) == 0 {
		for _, p := range payloads {
			if p != "" {
				return nil, fmt.Errorf("%w: payload %q requested but %s has no injection points", ErrInvalidTemplate, p, tmpl.BaseURL())
			}
		}
		return []*Mutant{fake(tmpl, original)}, nil
	}

	mutants := make([]*Mutant, 0, len(idx)*len(payloads))
	for _, i := range idx {
		id := tmpl.points[i]
		for _, payload := range payloads {
			if payload == tmpl.params[i].Value {
				continue
			}
			req, err := tmpl.WithValue(id, payload)
			if err != nil {
				return nil, err
			}
			mutants = append(mutants, &Mutant{
				request:  req,
				origin:   tmpl,
				variable: id,
				payload:  payload,
				original: original,
			})
		}
	}
	return mutants, nil
}

// Carriers returns one mutant per injectable parameter whose request is the
// unmodified template, or a single fake mutant when there are none. Carriers
// are bases for WithPayload, e.g. for the timing oracle; sending one as is
// just repeats the baseline.
func Carriers(tmpl *RequestTemplate, original *schemas.Response) ([]*Mutant, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: nil template", ErrInvalidTemplate)
	}
	idx, err := resolvePoints(tmpl, nil)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return []*Mutant{fake(tmpl, original)}, nil
	}
	out := make([]*Mutant, 0, len(idx))
	for _, i := range idx {
		out = append(out, &Mutant{
			request:  tmpl,
			origin:   tmpl,
			variable: tmpl.points[i],
			payload:  tmpl.params[i].Value,
			original: original,
		})
	}
	return out, nil
}

func fake(tmpl *RequestTemplate, original *schemas.Response) *Mutant {
	return &Mutant{request: tmpl, origin: tmpl, original: original}
}

// resolvePoints maps points to parameter indexes. Nil selects every
// injectable parameter.
func resolvePoints(tmpl *RequestTemplate, points []string) ([]int, error) {
	var idx []int
	if points == nil {
		for i, p := range tmpl.params {
			if p.Injectable {
				idx = append(idx, i)
			}
		}
		return idx, nil
	}
	for _, point := range points {
		i := tmpl.index(point)
		if i < 0 || !tmpl.params[i].Injectable {
			return nil, fmt.Errorf("%w: %q is not an injection point", ErrInvalidTemplate, point)
		}
		idx = append(idx, i)
	}
	return idx, nil
}
