package schemas

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Method is an HTTP verb supported by the transport.
type Method string

const (
	MethodGet     Method = http.MethodGet
	MethodPost    Method = http.MethodPost
	MethodPut     Method = http.MethodPut
	MethodPatch   Method = http.MethodPatch
	MethodDelete  Method = http.MethodDelete
	MethodHead    Method = http.MethodHead
	MethodOptions Method = http.MethodOptions
)

// Methods lists every supported verb in a stable order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions}

func (m Method) String() string { return string(m) }

// HasBody reports whether requests with this verb carry an encoded form body.
func (m Method) HasBody() bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch:
		return true
	default:
		return false
	}
}

// ParseMethod maps a case-insensitive verb name to a Method.
func ParseMethod(s string) (Method, error) {
	upper := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, m := range Methods {
		if m == upper {
			return m, nil
		}
	}
	return "", fmt.Errorf("unsupported HTTP method %q", s)
}

// Response is what the transport returns for one sent request. It is read-only
// once produced and may be shared across goroutines.
type Response struct {
	ID         int64         `json:"id"`
	URL        string        `json:"url"`
	Method     Method        `json:"method"`
	StatusCode int           `json:"status_code"`
	Headers    http.Header   `json:"headers"`
	Body       string        `json:"body"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Header returns the first value of a header, matching names case-insensitively.
func (r *Response) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	raw := r.Header("Content-Type")
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	return mediaType
}

// URLWithoutQuery returns the response URL stripped of query and fragment.
func (r *Response) URLWithoutQuery() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		base, _, _ := strings.Cut(r.URL, "?")
		return base
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// IsTextOrHTML reports whether the body was served as any text/* type or as
// an HTML variant such as application/xhtml+xml.
func (r *Response) IsTextOrHTML() bool {
	ct := r.ContentType()
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "html")
}
