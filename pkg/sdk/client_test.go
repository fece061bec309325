package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONRoutes(t *testing.T) {
	type seen struct {
		method, path, body, ctype, reqID string
	}
	calls := make(chan seen, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls <- seen{r.Method, r.URL.EscapedPath(), string(b), r.Header.Get("Content-Type"), r.Header.Get("X-Request-ID")}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	c.RequestID = "req-7"
	ctx := context.Background()

	if _, err := c.Chat(ctx, map[string]string{"message": "hi"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	got := <-calls
	if got.method != http.MethodPost || got.path != "/api/chat" || got.body != `{"message":"hi"}` || got.ctype != "application/json" || got.reqID != "req-7" {
		t.Fatalf("unexpected chat call %+v", got)
	}

	if _, err := c.Query(ctx, nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got = <-calls; got.path != "/api/krr/query" || got.body != "{}" {
		t.Fatalf("expected empty object body, got %+v", got)
	}

	if _, err := c.SPARQL(ctx, json.RawMessage(`{"query":"ASK {}"}`)); err != nil {
		t.Fatalf("sparql: %v", err)
	}
	if got = <-calls; got.path != "/api/sparql" || got.body != `{"query":"ASK {}"}` {
		t.Fatalf("unexpected sparql call %+v", got)
	}

	if _, err := c.Graph(ctx); err != nil {
		t.Fatalf("graph: %v", err)
	}
	if got = <-calls; got.method != http.MethodGet || got.path != "/api/krr/graph" || got.body != "" {
		t.Fatalf("unexpected graph call %+v", got)
	}

	if _, err := c.SPARQLQueries(ctx); err != nil {
		t.Fatalf("queries: %v", err)
	}
	if got = <-calls; got.path != "/api/sparql/queries" {
		t.Fatalf("unexpected queries call %+v", got)
	}

	if _, err := c.RunSPARQLQuery(ctx, "a/b"); err != nil {
		t.Fatalf("run query: %v", err)
	}
	if got = <-calls; got.path != "/api/sparql/query/a%2Fb" {
		t.Fatalf("expected escaped query id, got %+v", got)
	}
	if _, err := c.RunSPARQLQuery(ctx, " "); err == nil {
		t.Fatal("expected error for empty query id")
	}
}

func TestStatusAndRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"status":"Space Explorer API Gateway Online","version":"3.1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"Node.js Backend Active"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, 0)
	root, err := c.Root(context.Background())
	if err != nil || root.Version != "3.1" {
		t.Fatalf("unexpected root %+v %v", root, err)
	}
	st, err := c.Status(context.Background())
	if err != nil || st.Message != "Node.js Backend Active" {
		t.Fatalf("unexpected status %+v %v", st, err)
	}
}

func TestNonSuccessIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"bridge timed out"}`))
	}))
	defer srv.Close()
	_, err := NewClient(srv.URL, time.Second).Graph(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != 500 || se.Message() != "bridge timed out" {
		t.Fatalf("unexpected status error %d %q", se.StatusCode, se.Message())
	}
}

func TestEmptyBodyBecomesObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	out, err := NewClient(srv.URL, time.Second).SPARQLQueries(context.Background())
	if err != nil || string(out) != "{}" {
		t.Fatalf("expected {}, got %s %v", out, err)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"No file uploaded"}`))
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		if hdr.Filename != "mission.txt" || string(b) != "Apollo 11 landed" {
			t.Errorf("unexpected upload %q %q", hdr.Filename, b)
		}
		_, _ = w.Write([]byte(`{"status":"processed"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "mission.txt")
	if err := os.WriteFile(path, []byte("Apollo 11 landed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := NewClient(srv.URL, time.Second).Upload(context.Background(), path)
	if err != nil || string(out) != `{"status":"processed"}` {
		t.Fatalf("unexpected upload result %s %v", out, err)
	}
	if _, err := NewClient(srv.URL, time.Second).Upload(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
