package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execSQL   string
	execArgs  []any
	queryArgs []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.queryArgs = append([]any(nil), args...)
	return fakeRow{values: f.rowValues, err: f.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *int:
			*d = r.values[i].(int)
		case *int64:
			*d = r.values[i].(int64)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *bool:
			*d = r.values[i].(bool)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestWriterAppendHashesClientIP(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, HashSalt: []byte("pepper")}
	rec := Record{
		RequestID:    "req-1",
		RouteKey:     "upload",
		Method:       "POST",
		Path:         "/api/upload",
		UpstreamPath: "/upload_and_process",
		StatusCode:   500,
		ErrorKind:    "timeout",
		ErrorMessage: "bridge timed out after 30s",
		UploadName:   "mission.pdf",
		UploadBytes:  2048,
		ClientIP:     "203.0.113.9",
		DurationMS:   30001,
		BodyDigest:   "d1",
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.Contains(db.execSQL, "INSERT INTO forward_records") {
		t.Fatalf("unexpected sql %s", db.execSQL)
	}
	if len(db.execArgs) != 15 {
		t.Fatalf("expected 15 args, got %d", len(db.execArgs))
	}
	if db.execArgs[14] != "d1" {
		t.Fatalf("expected body digest stored, got %v", db.execArgs[14])
	}
	for _, arg := range db.execArgs {
		if s, ok := arg.(string); ok && s == "203.0.113.9" {
			t.Fatal("raw client ip must not be stored")
		}
	}
	hash := db.execArgs[11].(string)
	if hash != hashString("203.0.113.9", []byte("pepper")) || len(hash) != 64 {
		t.Fatalf("unexpected ip hash %q", hash)
	}
	if hash == hashString("203.0.113.9", nil) {
		t.Fatal("salt must change the hash")
	}
	if created := db.execArgs[13].(time.Time); created.IsZero() {
		t.Fatal("expected created_at to default to now")
	}

	db.execErr = errors.New("exec failed")
	if err := w.Append(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}
}

func TestWriterGet(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDB{rowValues: []any{
		"req-2", "chat", "POST", "/api/chat", "/chat", 200, 200, "", "", "", int64(0), "abc", int64(12), now, "d2",
	}}
	w := &Writer{DB: db}
	got, err := w.Get(context.Background(), "req-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RequestID != "req-2" || got.RouteKey != "chat" || got.StatusCode != 200 || !got.CreatedAt.Equal(now) || got.BodyDigest != "d2" {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(db.queryArgs) != 1 || db.queryArgs[0] != "req-2" {
		t.Fatalf("unexpected query args %v", db.queryArgs)
	}

	db.rowErr = pgx.ErrNoRows
	if _, err := w.Get(context.Background(), "missing"); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}
