// Package types defines the transport-neutral values exchanged between the
// gateway core and service plugins.
package types //nolint:revive // package name is intentional

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is an inbound call as seen by the pipeline, and the outbound call
// a plugin hands back to the proxy once URL and headers are set.
type Request struct {
	Method string
	// Path is the inbound request path. It doubles as the service name.
	Path   string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Clone returns a deep copy so plugins can rewrite headers without touching the inbound request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Query != nil {
		out.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// TargetURL returns URL with Query merged into its query string.
func (r *Request) TargetURL() (string, error) {
	if len(r.Query) == 0 {
		return r.URL, nil
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range r.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Response is an upstream reply relayed to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsError reports whether the upstream replied with a 4xx or 5xx status.
func (r *Response) IsError() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Event is one server-sent event.
type Event struct {
	ID    string
	Name  string
	Data  string
	Retry uint
}

// EventResult carries either an event or the error that ended the stream.
type EventResult struct {
	Event Event
	Err   error
}

// WantsEventStream reports whether an Accept header asks for server-sent events.
func WantsEventStream(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		if strings.Contains(strings.ToLower(v), "text/event-stream") {
			return true
		}
	}
	return false
}
