// Package callplan turns free-form model replies into structured calls
// against the resource API.
//
// A reply carries a call when one of its fenced blocks opens with a
// single request line:
//
//	```
//	POST /api/v2/users/search
//	Body: {"filters": [{"field": "name", "operator": "like", "value": "Jo%"}]}
//	```
//
// [Extract] applies that grammar and never fails; a reply that does not
// match simply yields no plan. Detecting replies that talk about a call
// without making one is a separate concern handled by [IntentDetector].
package callplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Methods lists the verbs a plan may use.
var Methods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// CallPlan describes one intended resource API invocation.
type CallPlan struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	Params   Params `json:"params,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// Key identifies the plan's (method, endpoint) pair. It is the key
// pattern memory and retry tracking use.
func (p CallPlan) Key() string {
	return p.Method + ":" + p.Endpoint
}

// String renders the plan as the request line the model wrote.
func (p CallPlan) String() string {
	if len(p.Params) == 0 {
		return p.Method + " " + p.Endpoint
	}
	return p.Method + " " + p.Endpoint + "?" + p.Params.Encode()
}

// HasBody reports whether the plan carries a request body.
func (p CallPlan) HasBody() bool {
	return p.Body != nil
}

// Payload returns the JSON payload to send, or nil when the request has
// none. GET requests never carry a payload. Otherwise the body wins over
// params.
func (p CallPlan) Payload() any {
	if p.Method == http.MethodGet {
		return nil
	}
	if p.Body != nil {
		return p.Body
	}
	if len(p.Params) > 0 {
		return p.Params
	}
	return nil
}

// Equal reports whether two plans describe the same request.
func (p CallPlan) Equal(o CallPlan) bool {
	if p.Method != o.Method || p.Endpoint != o.Endpoint || p.Params.Encode() != o.Params.Encode() {
		return false
	}
	a, errA := json.Marshal(p.Body)
	b, errB := json.Marshal(o.Body)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Param is a single query parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered set of query parameters with unique keys. Order is
// the order keys first appeared; a repeated key replaces the earlier value.
type Params []Param

// Get returns the value for key.
func (ps Params) Get(key string) (string, bool) {
	for _, p := range ps {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Set assigns key, replacing an existing value in place.
func (ps *Params) Set(key, value string) {
	for i := range *ps {
		if (*ps)[i].Key == key {
			(*ps)[i].Value = value
			return
		}
	}
	*ps = append(*ps, Param{Key: key, Value: value})
}

// Map returns the params as an unordered map.
func (ps Params) Map() map[string]string {
	m := make(map[string]string, len(ps))
	for _, p := range ps {
		m[p.Key] = p.Value
	}
	return m
}

// Encode renders the params as a query string in order. Empty keys are
// skipped.
func (ps Params) Encode() string {
	var b strings.Builder
	for _, p := range ps {
		if p.Key == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// ParseQuery decodes a query string with standard URL query decoding.
// Pieces that fail to unescape are kept verbatim rather than dropped.
func ParseQuery(query string) Params {
	var ps Params
	for _, piece := range strings.Split(query, "&") {
		if piece == "" {
			continue
		}
		key, value, _ := strings.Cut(piece, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		if key == "" {
			continue
		}
		ps.Set(key, value)
	}
	return ps
}

// MarshalJSON encodes params as a JSON object preserving order.
func (ps Params) MarshalJSON() ([]byte, error) {
	if ps == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order. Scalar values
// are converted to their string form.
func (ps *Params) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ps = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params: expected object, got %v", tok)
	}

	var out Params
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("params: expected key, got %v", tok)
		}

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("params: value for %q: %w", key, err)
		}
		switch v := raw.(type) {
		case nil:
			continue
		case string:
			out.Set(key, v)
		case json.Number:
			out.Set(key, v.String())
		case bool:
			out.Set(key, fmt.Sprint(v))
		default:
			enc, err := json.Marshal(v)
			if err != nil {
				return err
			}
			out.Set(key, string(enc))
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*ps = out
	return nil
}
