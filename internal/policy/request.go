package policy

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Claims is the verified JWT payload handed to policy modules. It is read-only
// after verification; modules must tolerate a nil map (whitelist bypass or
// anonymous probes).
type Claims map[string]any

// Sub returns the subject claim, or "" when absent.
func (c Claims) Sub() string {
	if c == nil {
		return ""
	}
	sub, _ := c["sub"].(string)
	return sub
}

// UserIdentifier derives the audit user identity: email, else
// preferred_username, else sub.
func (c Claims) UserIdentifier() string {
	if c == nil {
		return ""
	}
	for _, key := range []string{"email", "preferred_username", "sub"} {
		if v, _ := c[key].(string); v != "" {
			return v
		}
	}
	return ""
}

// Request is the per-request snapshot policy modules evaluate against. The
// parsed JSON body is computed lazily and cached; modules never see the
// inbound http.Request directly.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	isJSON     bool
	parsed     map[string]any
	parseTried bool
}

// NewRequest captures the policy-visible view of an inbound HTTP request. The
// body must already be read and bounded by the caller.
func NewRequest(r *http.Request, body []byte) *Request {
	return &Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   body,
		isJSON: isJSONMediaType(r.Header.Get("Content-Type")),
	}
}

// IsJSON reports whether the request declared a JSON-family media type,
// including the FHIR variants (application/fhir+json, application/json+fhir).
func (r *Request) IsJSON() bool { return r.isJSON }

// JSONBody returns the parsed request body object. Parsing happens at most
// once; non-JSON media types and non-object payloads yield (nil, false).
func (r *Request) JSONBody() (map[string]any, bool) {
	if !r.parseTried {
		r.parseTried = true
		if r.isJSON && len(r.Body) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(r.Body, &decoded); err == nil {
				r.parsed = decoded
			}
		}
	}
	if r.parsed == nil {
		return nil, false
	}
	return r.parsed, true
}

// isJSONMediaType mirrors the accepted FHIR JSON media types:
// application/json, application/*+json, anything containing json+fhir, and
// anything ending in +fhir.
func isJSONMediaType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch {
	case mt == "application/json":
		return true
	case strings.HasSuffix(mt, "+json"):
		return true
	case strings.Contains(mt, "json+fhir"):
		return true
	case strings.HasSuffix(mt, "+fhir"):
		return true
	}
	return false
}
