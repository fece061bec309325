// Package proxy maps gateway routes onto bridge endpoints and turns bridge
// outcomes into gateway responses.
package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

type BodyKind string

const (
	BodyNone      BodyKind = "none"
	BodyJSON      BodyKind = "json"
	BodyMultipart BodyKind = "multipart"
)

// RouteKey names one gateway operation.
type RouteKey string

const (
	RouteKRRQuery      RouteKey = "krr.query"
	RouteKRRGraph      RouteKey = "krr.graph"
	RouteChat          RouteKey = "chat"
	RouteSPARQL        RouteKey = "sparql.run"
	RouteSPARQLQueries RouteKey = "sparql.queries"
	RouteSPARQLQuery   RouteKey = "sparql.query"
	RouteUpload        RouteKey = "upload"
)

// RouteMapping binds one gateway route to one bridge endpoint. UpstreamPath
// may hold {name} placeholders filled from the request's path params.
type RouteMapping struct {
	Key            RouteKey
	Method         string
	Path           string
	UpstreamPath   string
	UpstreamMethod string
	BodyKind       BodyKind
}

// Table is an immutable set of route mappings.
type Table struct {
	byKey map[RouteKey]RouteMapping
	order []RouteKey
}

// DefaultRoutes is the gateway's route table.
func DefaultRoutes() []RouteMapping {
	return []RouteMapping{
		{Key: RouteKRRQuery, Method: http.MethodPost, Path: "/api/krr/query", UpstreamPath: "/query", UpstreamMethod: http.MethodPost, BodyKind: BodyJSON},
		{Key: RouteKRRGraph, Method: http.MethodGet, Path: "/api/krr/graph", UpstreamPath: "/graph/summary", UpstreamMethod: http.MethodGet, BodyKind: BodyNone},
		{Key: RouteChat, Method: http.MethodPost, Path: "/api/chat", UpstreamPath: "/chat", UpstreamMethod: http.MethodPost, BodyKind: BodyJSON},
		{Key: RouteSPARQL, Method: http.MethodPost, Path: "/api/sparql", UpstreamPath: "/sparql", UpstreamMethod: http.MethodPost, BodyKind: BodyJSON},
		{Key: RouteSPARQLQueries, Method: http.MethodGet, Path: "/api/sparql/queries", UpstreamPath: "/sparql/queries", UpstreamMethod: http.MethodGet, BodyKind: BodyNone},
		{Key: RouteSPARQLQuery, Method: http.MethodGet, Path: "/api/sparql/query/{queryId}", UpstreamPath: "/sparql/query/{queryId}", UpstreamMethod: http.MethodGet, BodyKind: BodyNone},
		{Key: RouteUpload, Method: http.MethodPost, Path: "/api/upload", UpstreamPath: "/upload_and_process", UpstreamMethod: http.MethodPost, BodyKind: BodyMultipart},
	}
}

// NewTable validates routes and freezes them.
func NewTable(routes []RouteMapping) (*Table, error) {
	t := &Table{byKey: make(map[RouteKey]RouteMapping, len(routes))}
	for i, r := range routes {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		if _, dup := t.byKey[r.Key]; dup {
			return nil, fmt.Errorf("route %d: duplicate key %q", i, r.Key)
		}
		t.byKey[r.Key] = r
		t.order = append(t.order, r.Key)
	}
	return t, nil
}

func (r RouteMapping) validate() error {
	if r.Key == "" {
		return fmt.Errorf("key required")
	}
	if !strings.HasPrefix(r.Path, "/") || !strings.HasPrefix(r.UpstreamPath, "/") {
		return fmt.Errorf("%s: paths must start with /", r.Key)
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%s: invalid method %q", r.Key, r.Method)
	}
	switch r.UpstreamMethod {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%s: invalid upstream method %q", r.Key, r.UpstreamMethod)
	}
	switch r.BodyKind {
	case BodyNone, BodyJSON, BodyMultipart:
	default:
		return fmt.Errorf("%s: invalid body kind %q", r.Key, r.BodyKind)
	}
	for _, p := range placeholders(r.UpstreamPath) {
		if !strings.Contains(r.Path, "{"+p+"}") {
			return fmt.Errorf("%s: upstream placeholder {%s} not bound by %s", r.Key, p, r.Path)
		}
	}
	return nil
}

// Lookup returns the mapping for key.
func (t *Table) Lookup(key RouteKey) (RouteMapping, bool) {
	r, ok := t.byKey[key]
	return r, ok
}

// Routes returns the mappings in registration order.
func (t *Table) Routes() []RouteMapping {
	out := make([]RouteMapping, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.byKey[k])
	}
	return out
}

// UpstreamURLPath fills {name} placeholders with escaped param values.
func (r RouteMapping) UpstreamURLPath(params map[string]string) string {
	out := r.UpstreamPath
	names := placeholders(out)
	sort.Strings(names)
	for _, name := range names {
		out = strings.ReplaceAll(out, "{"+name+"}", url.PathEscape(params[name]))
	}
	return out
}

func placeholders(path string) []string {
	var out []string
	for {
		start := strings.Index(path, "{")
		if start < 0 {
			return out
		}
		end := strings.Index(path[start:], "}")
		if end < 0 {
			return out
		}
		out = append(out, path[start+1:start+end])
		path = path[start+end+1:]
	}
}
