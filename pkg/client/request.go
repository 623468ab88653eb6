package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Param is one query parameter. Joined values are sent comma separated
// (k=a,b) instead of as repeated keys (k=a&k=b).
type Param struct {
	Key    string
	Values []string
	Joined bool
}

// Params is an insertion-ordered query parameter list.
// The zero value is ready to use.
type Params struct {
	entries []Param
}

// NewParams builds Params from key/value pairs: NewParams("a", "1", "b", "2").
func NewParams(kv ...string) Params {
	var p Params
	for i := 0; i+1 < len(kv); i += 2 {
		p.Add(kv[i], kv[i+1])
	}
	return p
}

// Add appends values to key, creating it at the end if absent.
func (p *Params) Add(key string, values ...string) {
	if i := p.index(key); i >= 0 {
		p.entries[i].Values = append(p.entries[i].Values, values...)
		return
	}
	p.entries = append(p.entries, Param{Key: key, Values: append([]string(nil), values...)})
}

// Set replaces the values of key, keeping its position when it already exists.
func (p *Params) Set(key string, values ...string) {
	p.set(Param{Key: key, Values: append([]string(nil), values...)})
}

// SetJoined is Set for endpoints that expect comma-joined filter values.
func (p *Params) SetJoined(key string, values ...string) {
	p.set(Param{Key: key, Values: append([]string(nil), values...), Joined: true})
}

func (p *Params) set(param Param) {
	if i := p.index(param.Key); i >= 0 {
		p.entries[i] = param
		return
	}
	p.entries = append(p.entries, param)
}

// Del removes key.
func (p *Params) Del(key string) {
	if i := p.index(key); i >= 0 {
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
	}
}

// Get returns the first value of key or "".
func (p Params) Get(key string) string {
	if i := p.index(key); i >= 0 && len(p.entries[i].Values) > 0 {
		return p.entries[i].Values[0]
	}
	return ""
}

// Values returns a copy of all values for key.
func (p Params) Values(key string) []string {
	if i := p.index(key); i >= 0 {
		return append([]string(nil), p.entries[i].Values...)
	}
	return nil
}

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	return p.index(key) >= 0
}

// Len returns the number of distinct keys.
func (p Params) Len() int {
	return len(p.entries)
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := Params{entries: make([]Param, len(p.entries))}
	for i, e := range p.entries {
		e.Values = append([]string(nil), e.Values...)
		out.entries[i] = e
	}
	return out
}

// Encode serializes the parameters in insertion order using repeated-key
// array encoding, or comma joining for Joined parameters.
func (p Params) Encode() string {
	var b strings.Builder
	for _, e := range p.entries {
		if len(e.Values) == 0 {
			continue
		}
		key := url.QueryEscape(e.Key)
		if e.Joined {
			escaped := make([]string, len(e.Values))
			for i, v := range e.Values {
				escaped[i] = url.QueryEscape(v)
			}
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(strings.Join(escaped, ","))
			continue
		}
		for _, v := range e.Values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func (p Params) index(key string) int {
	for i, e := range p.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// Request describes one API call.
type Request struct {
	Method string
	Path   string
	Query  Params

	// Body is marshalled as JSON when non-nil.
	Body any

	// URL, when set, is used verbatim instead of BaseURL+Path (pre-signed downloads).
	URL string

	// NoAuth omits the access token header.
	NoAuth bool

	// Raw skips JSON validation of the response body.
	Raw bool
}

// Get builds a GET request for path.
func Get(path string, query Params) Request {
	return Request{Method: http.MethodGet, Path: path, Query: query}
}

// Post builds a POST request with a JSON body.
func Post(path string, body any) Request {
	return Request{Method: http.MethodPost, Path: path, Body: body}
}

// Endpoint returns the metric/pacing label for the request.
func (r Request) Endpoint() string {
	if r.URL != "" {
		return "download"
	}
	return EndpointLabel(r.Path)
}

func (r Request) target(baseURL string) string {
	target := r.URL
	if target == "" {
		target = strings.TrimRight(baseURL, "/") + r.Path
	}
	if q := r.Query.Encode(); q != "" {
		if strings.Contains(target, "?") {
			target += "&" + q
		} else {
			target += "?" + q
		}
	}
	return target
}

func (r Request) body() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := json.Marshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return data, nil
}

var (
	versionSegment = regexp.MustCompile(`^(v\d+|\d{4}-\d{2}-\d{2})$`)
	digitPattern   = regexp.MustCompile(`\d`)
)

// EndpointLabel collapses identifier path segments so that
// /orders/v0/orders/902-3159896-1390916/orderItems becomes
// /orders/v0/orders/{id}/orderItems.
func EndpointLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s == "" || versionSegment.MatchString(s) {
			continue
		}
		if digitPattern.MatchString(s) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
