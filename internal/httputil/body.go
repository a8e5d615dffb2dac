// Package httputil provides helpers for working with HTTP payloads safely.
package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultMaxResponseBodyBytes caps upstream response bodies to 10MB.
	DefaultMaxResponseBodyBytes int64 = 10 * 1024 * 1024
	// DefaultMaxRequestBodyBytes caps inbound request bodies to 10MB.
	DefaultMaxRequestBodyBytes int64 = 10 * 1024 * 1024
)

var (
	ErrResponseBodyTooLarge = errors.New("response body too large")
	ErrRequestBodyTooLarge  = errors.New("request body too large")
)

// ReadLimitedBody reads up to maxBytes from reader and returns ErrResponseBodyTooLarge when exceeded.
func ReadLimitedBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		body = body[:int(maxBytes)]
		return body, ErrResponseBodyTooLarge
	}
	return body, nil
}

// ReadRequestBody reads an inbound body, failing with ErrRequestBodyTooLarge past maxBytes.
func ReadRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrRequestBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

// hopHeaders are connection-scoped and never relayed between hops.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyResponseHeader copies src into dst without hop-by-hop headers,
// including those named by src's Connection header. Content-Length is
// dropped since the body is re-framed by the server.
func CopyResponseHeader(dst, src http.Header) {
	skip := make(map[string]bool, len(hopHeaders)+1)
	for _, h := range hopHeaders {
		skip[h] = true
	}
	skip["Content-Length"] = true
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vs := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
