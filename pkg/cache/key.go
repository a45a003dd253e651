package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DefaultNamespace prefixes keys built without an explicit namespace.
const DefaultNamespace = "api"

// Key identifies a cacheable upstream read.
type Key struct {
	// Namespace separates key spaces, e.g. one per upstream base.
	Namespace string

	// Endpoint is the resource path (e.g., "/v0/appXYZ/Tasks")
	Endpoint string

	// PathParams are named path parameters (e.g., {"record_id": "rec123"})
	PathParams map[string]string

	// QueryParams are the query parameters (e.g., {"view": "Grid"})
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: ns:endpoint:param1=val1?query1=val1&query2=val2
//
// Example:
//
//	api:v0/appXYZ/Tasks?maxRecords=10&view=Grid
//
// Every component is escaped, so distinct keys never render to the same
// string. The query is rendered with url.Values.Encode: names are sorted and
// multi-valued params keep their order, which matters for list parameters
// such as sort[].
func (k Key) String() string {
	ns := k.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	var b strings.Builder
	b.WriteString(url.QueryEscape(ns))

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		b.WriteByte(':')
		b.WriteString(escapeEndpoint(endpoint))
	}

	if len(k.PathParams) > 0 {
		pathKeys := make([]string, 0, len(k.PathParams))
		for key := range k.PathParams {
			pathKeys = append(pathKeys, key)
		}
		sort.Strings(pathKeys)

		for _, key := range pathKeys {
			fmt.Fprintf(&b, ":%s=%s", url.QueryEscape(key), url.QueryEscape(k.PathParams[key]))
		}
	}

	if query := k.QueryParams.Encode(); query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}

	return b.String()
}

// escapeEndpoint escapes each path segment. ':' is escaped too since it
// separates key components.
func escapeEndpoint(endpoint string) string {
	segments := strings.Split(endpoint, "/")
	for i, segment := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(segment), ":", "%3A")
	}
	return strings.Join(segments, "/")
}
