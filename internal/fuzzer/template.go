// Package fuzzer builds request templates and the mutants derived from them.
package fuzzer

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
)

// ErrInvalidTemplate is returned when a template cannot satisfy a request,
// e.g. a payload was bound to an injection point the template does not have.
var ErrInvalidTemplate = errors.New("invalid request template")

// Location says where a template's parameters are encoded.
type Location int

const (
	LocationQuery Location = iota
	LocationBody
)

func (l Location) String() string {
	if l == LocationBody {
		return "body"
	}
	return "query"
}

// Param is one named request parameter. Only injectable params are mutated.
type Param struct {
	Name       string
	Value      string
	Injectable bool
}

// RequestTemplate is an immutable parameterized HTTP request. Accessors return
// copies; derived templates are produced with WithValue.
//
// Each parameter is addressed by an injection point id. A name that occurs
// once is its own id; a repeated name such as id=1&id=2 yields "id#1" and
// "id#2", numbered by occurrence. Lookups by the bare name of a repeated
// parameter resolve to its first occurrence.
type RequestTemplate struct {
	method   schemas.Method
	baseURL  string
	location Location
	params   []Param
	points   []string
	headers  http.Header
}

// NewRequestTemplate validates and builds a template. Params are encoded in the
// body for verbs that carry one and in the query string otherwise.
func NewRequestTemplate(method schemas.Method, baseURL string, params []Param, headers http.Header) (*RequestTemplate, error) {
	if _, err := schemas.ParseMethod(string(method)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: target %q is not an absolute URL", ErrInvalidTemplate, baseURL)
	}

	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: parameter with empty name", ErrInvalidTemplate)
		}
	}

	points := pointIDs(params)
	ids := make(map[string]bool, len(points))
	for _, id := range points {
		if ids[id] {
			return nil, fmt.Errorf("%w: injection point %q is ambiguous", ErrInvalidTemplate, id)
		}
		ids[id] = true
	}

	loc := LocationQuery
	if method.HasBody() {
		loc = LocationBody
	}
	return &RequestTemplate{
		method:   method,
		baseURL:  baseURL,
		location: loc,
		params:   append([]Param(nil), params...),
		points:   points,
		headers:  headers.Clone(),
	}, nil
}

func pointIDs(params []Param) []string {
	total := make(map[string]int, len(params))
	for _, p := range params {
		total[p.Name]++
	}
	seen := make(map[string]int, len(params))
	ids := make([]string, len(params))
	for i, p := range params {
		if total[p.Name] == 1 {
			ids[i] = p.Name
			continue
		}
		seen[p.Name]++
		ids[i] = fmt.Sprintf("%s#%d", p.Name, seen[p.Name])
	}
	return ids
}

// ParseTemplate builds a template from a raw URL and an optional form body.
// For query-encoded verbs the URL's query string becomes the parameter list;
// otherwise the body does and the query string is kept verbatim on the URL.
// Every parsed parameter is injectable and keeps its original order.
func ParseTemplate(method schemas.Method, rawURL, body string, headers http.Header) (*RequestTemplate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	var encoded string
	if method.HasBody() {
		encoded = body
	} else {
		encoded = u.RawQuery
		u.RawQuery = ""
		if body != "" {
			return nil, fmt.Errorf("%w: %s requests carry no body", ErrInvalidTemplate, method)
		}
	}

	params, err := parseOrderedForm(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return NewRequestTemplate(method, u.String(), params, headers)
}

func parseOrderedForm(encoded string) ([]Param, error) {
	var params []Param
	for _, pair := range strings.Split(encoded, "&") {
		if pair == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			return nil, fmt.Errorf("bad parameter name %q: %w", rawName, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("bad value for %q: %w", name, err)
		}
		params = append(params, Param{Name: name, Value: value, Injectable: true})
	}
	return params, nil
}

func (t *RequestTemplate) Method() schemas.Method { return t.method }
func (t *RequestTemplate) BaseURL() string        { return t.baseURL }
func (t *RequestTemplate) Location() Location     { return t.location }
func (t *RequestTemplate) Headers() http.Header   { return t.headers.Clone() }
func (t *RequestTemplate) Params() []Param        { return append([]Param(nil), t.params...) }

// Points returns the injection point id of every parameter, injectable or
// not, in template order.
func (t *RequestTemplate) Points() []string { return append([]string(nil), t.points...) }

// index resolves an injection point id, falling back to the first parameter
// with that bare name.
func (t *RequestTemplate) index(point string) int {
	for i, id := range t.points {
		if id == point {
			return i
		}
	}
	for i, p := range t.params {
		if p.Name == point {
			return i
		}
	}
	return -1
}

// Param returns the parameter at injection point id or bare name point.
func (t *RequestTemplate) Param(point string) (Param, bool) {
	if i := t.index(point); i >= 0 {
		return t.params[i], true
	}
	return Param{}, false
}

// InjectionPoints lists the ids of the injectable parameters in template order.
func (t *RequestTemplate) InjectionPoints() []string {
	var ids []string
	for i, p := range t.params {
		if p.Injectable {
			ids = append(ids, t.points[i])
		}
	}
	return ids
}

// HasInjectionPoints reports whether any parameter can be mutated.
func (t *RequestTemplate) HasInjectionPoints() bool {
	for _, p := range t.params {
		if p.Injectable {
			return true
		}
	}
	return false
}

// WithValue returns a copy of t with the value at point replaced.
func (t *RequestTemplate) WithValue(point, value string) (*RequestTemplate, error) {
	idx := t.index(point)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no parameter named %q", ErrInvalidTemplate, point)
	}
	out := *t
	out.params = append([]Param(nil), t.params...)
	out.params[idx].Value = value
	return &out, nil
}

// EncodedParams renders the parameters as an application/x-www-form-urlencoded
// string in template order.
func (t *RequestTemplate) EncodedParams() string {
	var b strings.Builder
	for i, p := range t.params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// URL returns the full request URL, including query-encoded parameters.
func (t *RequestTemplate) URL() string {
	if t.location == LocationBody || len(t.params) == 0 {
		return t.baseURL
	}
	sep := "?"
	if strings.Contains(t.baseURL, "?") {
		sep = "&"
	}
	return t.baseURL + sep + t.EncodedParams()
}

// Body returns the encoded form body, empty for query-encoded templates.
func (t *RequestTemplate) Body() string {
	if t.location != LocationBody {
		return ""
	}
	return t.EncodedParams()
}

// String is a short human-readable form used in logs and finding descriptions.
func (t *RequestTemplate) String() string {
	if t.location == LocationBody {
		return fmt.Sprintf("%s %s [%s]", t.method, t.baseURL, t.EncodedParams())
	}
	return fmt.Sprintf("%s %s", t.method, t.URL())
}
