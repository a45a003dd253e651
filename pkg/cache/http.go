package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the freshness window when a response carries no caching headers.
	DefaultTTL = 10 * time.Second
)

// Response is a fully read upstream HTTP response, safe to share between
// every waiter of a scheduled request.
type Response struct {
	// StatusCode is the HTTP status code of the upstream response
	StatusCode int

	// Header are the response headers
	Header http.Header

	// Body is the response body
	Body []byte

	// ETag for conditional requests (If-None-Match)
	ETag string

	// LastModified for conditional requests (If-Modified-Since)
	LastModified time.Time

	// FetchedAt is when the body was received
	FetchedAt time.Time
}

// ResponseFromHTTP reads resp into a Response and closes its body.
func ResponseFromHTTP(resp *http.Response) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	r := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		ETag:       resp.Header.Get("ETag"),
		FetchedAt:  time.Now(),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			r.LastModified = lastMod
		}
	}

	return r, nil
}

// ToHTTP converts the cached response back into an *http.Response with a
// fresh body reader.
func (r *Response) ToHTTP() *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
	}
}

// ExpirationFromHeaders computes the absolute expiry of a response.
// Cache-Control max-age wins over Expires; no-store and no-cache yield now.
// Without usable headers the result is now + fallback.
func ExpirationFromHeaders(headers http.Header, now time.Time, fallback time.Duration) time.Time {
	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(strings.ToLower(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return now
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil && secs >= 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(fallback)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(fallback)
	}

	if expires.Before(now) {
		return now
	}

	return expires
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on a stale response.
func ShouldMakeConditionalRequest(r *Response) bool {
	if r == nil {
		return false
	}
	return r.ETag != "" || !r.LastModified.IsZero()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// to the request if the cached response supports conditional requests.
func AddConditionalHeaders(req *http.Request, r *Response) {
	if r == nil || req == nil {
		return
	}

	// Prefer ETag over Last-Modified (more accurate)
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	} else if !r.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", r.LastModified.UTC().Format(http.TimeFormat))
	}
}
