package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"astrograph/pkg/httpx"
	"astrograph/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const (
	namespace   = "http://krr.org/space_exploration.owl#"
	maxNodes    = 400
	maxFileRead = 4000
)

type Triple struct {
	S string `json:"s"`
	P string `json:"p"`
	O string `json:"o"`
}

// Graph is an in-memory stand-in for the reasoning bridge's knowledge graph.
type Graph struct {
	mu      sync.RWMutex
	triples []Triple
	queries map[string]predefinedQuery
}

type predefinedQuery struct {
	Description string
	Predicate   string
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runMockBridge(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func newGraph() *Graph {
	return &Graph{
		triples: []Triple{
			{S: "Apollo11", P: "type", O: "Mission"},
			{S: "Apollo11", P: "launchedBy", O: "SaturnV"},
			{S: "Apollo11", P: "crewMember", O: "NeilArmstrong"},
			{S: "Apollo11", P: "targetBody", O: "Moon"},
			{S: "Voyager1", P: "type", O: "Mission"},
			{S: "Voyager1", P: "targetBody", O: "Jupiter"},
			{S: "Voyager1", P: "targetBody", O: "Saturn"},
			{S: "Perseverance", P: "type", O: "Rover"},
			{S: "Perseverance", P: "targetBody", O: "Mars"},
		},
		queries: map[string]predefinedQuery{
			"query_01_all_missions":    {Description: "All missions", Predicate: "type"},
			"query_02_mission_targets": {Description: "Mission target bodies", Predicate: "targetBody"},
			"query_03_crew":            {Description: "Crew members by mission", Predicate: "crewMember"},
		},
	}
}

func (g *Graph) root(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "Space Explorer Reasoning Engine Online", "version": "3.1"})
}

func (g *Graph) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "message required")
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var facts []string
	for _, t := range g.triples {
		if strings.Contains(strings.ToLower(req.Message), strings.ToLower(t.S)) {
			facts = append(facts, fmt.Sprintf("%s %s %s", t.S, t.P, t.O))
		}
	}
	reply := "I could not find that in the knowledge graph."
	if len(facts) > 0 {
		reply = strings.Join(facts, "; ") + "."
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// upload adds one "mentions" triple per non-empty line of the uploaded text.
func (g *Graph) upload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file required")
		return
	}
	defer f.Close()
	doc := "Document_" + localName(hdr.Filename)
	var added []Triple
	sc := bufio.NewScanner(io.LimitReader(f, maxFileRead))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		added = append(added, Triple{S: doc, P: "mentions", O: line})
	}
	if err := sc.Err(); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.mu.Lock()
	g.triples = append(g.triples, added...)
	g.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "Success", "triples_added": len(added)})
}

func (g *Graph) summary(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.triples) == 0 {
		writeDetail(w, http.StatusNotFound, "RDF data not found")
		return
	}
	type node struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Group int    `json:"group"`
	}
	type edge struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Label  string `json:"label"`
	}
	nodes := []node{}
	edges := []edge{}
	seen := map[string]bool{}
	addNode := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		group := 2
		if strings.Contains(id, "Mission") {
			group = 1
		}
		nodes = append(nodes, node{ID: id, Label: id, Group: group})
	}
	for _, t := range g.triples {
		if len(nodes) > maxNodes {
			break
		}
		addNode(t.S)
		addNode(t.O)
		edges = append(edges, edge{Source: t.S, Target: t.O, Label: t.P})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"hash": g.hash(),
		"data": map[string]any{"nodes": nodes, "edges": edges},
	})
}

// sparql understands the query form only: SELECT lists every triple, ASK
// reports whether the graph is non-empty, anything else returns N-Triples.
func (g *Graph) sparql(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string `json:"query"`
		Format string `json:"format"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	q := strings.ToUpper(strings.TrimSpace(req.Query))
	if q == "" {
		writeDetail(w, http.StatusBadRequest, "SPARQL query error: empty query")
		return
	}
	if req.Format == "" {
		req.Format = "json"
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	switch {
	case strings.HasPrefix(q, "SELECT"):
		httpx.WriteJSON(w, http.StatusOK, g.selectWhere(""))
	case strings.HasPrefix(q, "ASK"):
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"boolean": len(g.triples) > 0})
	case strings.HasPrefix(q, "CONSTRUCT"), strings.HasPrefix(q, "DESCRIBE"):
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"format": req.Format, "data": g.nTriples()})
	default:
		writeDetail(w, http.StatusBadRequest, "SPARQL query error: unsupported query form")
	}
}

func (g *Graph) listQueries(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(g.queries))
	for id := range g.queries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{"id": id, "file": id + ".sparql", "description": g.queries[id].Description})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"queries": out, "count": len(out)})
}

func (g *Graph) runQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "queryId")
	q, ok := g.queries[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Query file not found: "+id)
		return
	}
	g.mu.RLock()
	res := g.selectWhere(q.Predicate)
	g.mu.RUnlock()
	res["query_id"] = id
	httpx.WriteJSON(w, http.StatusOK, res)
}

// selectWhere returns SPARQL JSON results for triples with predicate p, or
// all triples when p is empty. Callers hold the read lock.
func (g *Graph) selectWhere(p string) map[string]any {
	bindings := []map[string]any{}
	for _, t := range g.triples {
		if p != "" && t.P != p {
			continue
		}
		bindings = append(bindings, map[string]any{
			"s": map[string]string{"type": "uri", "value": namespace + t.S},
			"p": map[string]string{"type": "uri", "value": namespace + t.P},
			"o": map[string]string{"type": "literal", "value": t.O},
		})
	}
	return map[string]any{
		"head":    map[string][]string{"vars": {"s", "p", "o"}},
		"results": map[string]any{"bindings": bindings},
	}
}

func (g *Graph) nTriples() string {
	lines := make([]string, 0, len(g.triples))
	for _, t := range g.triples {
		lines = append(lines, fmt.Sprintf("<%s%s> <%s%s> %q .", namespace, t.S, namespace, t.P, t.O))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func (g *Graph) hash() string {
	sum := sha256.Sum256([]byte(g.nTriples()))
	return hex.EncodeToString(sum[:])
}

func localName(filename string) string {
	name := strings.TrimSuffix(filename, "."+lastExt(filename))
	var b strings.Builder
	for _, r := range name {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Untitled"
	}
	return b.String()
}

func lastExt(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	httpx.WriteJSON(w, status, map[string]string{"detail": detail})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runMockBridge(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "mock-bridge")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	addr := env("ADDR", ":8000")
	log.Printf("mock-bridge listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           newGraph().routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (g *Graph) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("mock-bridge"))
	r.Get("/", g.root)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "mock-bridge"})
	})
	r.Post("/chat", g.chat)
	r.Post("/query", g.sparql)
	r.Post("/upload_and_process", g.upload)
	r.Get("/graph/summary", g.summary)
	r.Post("/sparql", g.sparql)
	r.Get("/sparql/queries", g.listQueries)
	r.Get("/sparql/query/{queryId}", g.runQuery)
	return r
}
