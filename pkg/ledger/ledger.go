// Package ledger persists one row per forwarded bridge call in Postgres.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Record is one forwarded call. Request bodies are never stored, only the
// digest of their canonical form; for uploads only the original file name and
// size are kept.
type Record struct {
	RequestID      string    `json:"request_id"`
	RouteKey       string    `json:"route_key"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	UpstreamPath   string    `json:"upstream_path"`
	StatusCode     int       `json:"status_code"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	UploadName     string    `json:"upload_name,omitempty"`
	UploadBytes    int64     `json:"upload_bytes,omitempty"`
	ClientIP       string    `json:"-"`
	ClientIPHash   string    `json:"client_ip_hash,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	BodyDigest     string    `json:"body_digest,omitempty"`
}

type Writer struct {
	DB       DB
	HashSalt []byte
}

// Append stores rec. The raw client IP is replaced by its salted hash.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ClientIP != "" {
		rec.ClientIPHash = hashString(rec.ClientIP, w.HashSalt)
		rec.ClientIP = ""
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO forward_records
		(request_id, route_key, method, path, upstream_path, status_code, upstream_status, error_kind, error_message, upload_name, upload_bytes, client_ip_hash, duration_ms, created_at, body_digest)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, rec.RequestID, rec.RouteKey, rec.Method, rec.Path, rec.UpstreamPath, rec.StatusCode, rec.UpstreamStatus,
		rec.ErrorKind, rec.ErrorMessage, rec.UploadName, rec.UploadBytes, rec.ClientIPHash, rec.DurationMS, rec.CreatedAt, rec.BodyDigest)
	return err
}

// Get returns the most recent record for requestID.
func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, route_key, method, path, upstream_path, status_code, upstream_status, error_kind, error_message, upload_name, upload_bytes, client_ip_hash, duration_ms, created_at, body_digest
		FROM forward_records WHERE request_id=$1 ORDER BY created_at DESC LIMIT 1
	`, requestID)
	err := row.Scan(&rec.RequestID, &rec.RouteKey, &rec.Method, &rec.Path, &rec.UpstreamPath, &rec.StatusCode, &rec.UpstreamStatus,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.UploadName, &rec.UploadBytes, &rec.ClientIPHash, &rec.DurationMS, &rec.CreatedAt, &rec.BodyDigest)
	return rec, err
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	_, _ = h.Write(salt)
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
