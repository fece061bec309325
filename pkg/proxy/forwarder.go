package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"astrograph/pkg/bridge"
	"astrograph/pkg/models"
	"astrograph/pkg/staging"
)

// Caller is the subset of *bridge.Client the forwarder needs.
type Caller interface {
	CallJSON(ctx context.Context, path, method string, body []byte) (bridge.Result, *bridge.Error)
	CallMultipart(ctx context.Context, path, method string, part bridge.FilePart) (bridge.Result, *bridge.Error)
}

// Request is one inbound call after the router has parsed it.
type Request struct {
	Key       RouteKey
	RequestID string
	Path      string
	ClientIP  string
	Params    map[string]string
	Body      models.Payload
	File      *staging.File
}

// Response is what the router writes back, plus the outcome details used by
// logs, metrics and the forward ledger.
type Response struct {
	StatusCode     int
	Body           models.Payload
	Route          RouteMapping
	UpstreamPath   string
	UpstreamStatus int
	Err            *bridge.Error
	Duration       time.Duration
}

// Observer is notified once per forwarded call, after the response is built.
type Observer func(ctx context.Context, req Request, resp Response)

type Forwarder struct {
	table     *Table
	caller    Caller
	strict    bool
	observers []Observer
}

type ForwarderOption func(*Forwarder)

// WithStrictErrorStatus maps bridge timeouts to 504 and other transport
// failures to 502 instead of the uniform 500.
func WithStrictErrorStatus(strict bool) ForwarderOption {
	return func(f *Forwarder) { f.strict = strict }
}

func WithObserver(o Observer) ForwarderOption {
	return func(f *Forwarder) {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
}

func NewForwarder(table *Table, caller Caller, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{table: table, caller: caller}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) Table() *Table { return f.table }

// Forward performs exactly one bridge call for req. A route key without a
// mapping is a wiring bug and panics.
func (f *Forwarder) Forward(ctx context.Context, req Request) Response {
	route, ok := f.table.Lookup(req.Key)
	if !ok {
		panic(fmt.Sprintf("proxy: no route mapping for %q", req.Key))
	}
	path := route.UpstreamURLPath(req.Params)
	start := time.Now()

	var (
		res  bridge.Result
		berr *bridge.Error
	)
	switch route.BodyKind {
	case BodyMultipart:
		if req.File == nil {
			berr = &bridge.Error{Kind: bridge.KindTransportOther, Message: "no staged file for upload"}
			break
		}
		res, berr = f.caller.CallMultipart(ctx, path, route.UpstreamMethod, bridge.FilePart{
			Field: "file",
			Name:  req.File.OriginalName,
			Path:  req.File.LocalPath,
		})
	case BodyJSON:
		body := req.Body
		if body.IsZero() {
			body = models.EmptyObject()
		}
		res, berr = f.caller.CallJSON(ctx, path, route.UpstreamMethod, body.Bytes())
	default:
		res, berr = f.caller.CallJSON(ctx, path, route.UpstreamMethod, nil)
	}

	resp := Response{
		Route:        route,
		UpstreamPath: path,
		Duration:     time.Since(start),
	}
	if berr != nil {
		resp.StatusCode = f.errorStatus(berr.Kind)
		resp.Body = models.ErrorPayload(berr.Message)
		resp.Err = berr
	} else {
		resp.StatusCode = res.StatusCode
		resp.UpstreamStatus = res.StatusCode
		switch {
		case len(bytes.TrimSpace(res.Body)) == 0:
			resp.Body = models.EmptyObject()
		case !json.Valid(res.Body):
			// plain-text answers (e.g. a bare "Internal Server Error") go out as a JSON string
			resp.Body = models.TextPayload(string(res.Body))
		default:
			resp.Body = models.RawPayload(res.Body)
		}
	}
	for _, o := range f.observers {
		o(ctx, req, resp)
	}
	return resp
}

func (f *Forwarder) errorStatus(kind bridge.Kind) int {
	if !f.strict {
		return http.StatusInternalServerError
	}
	if kind == bridge.KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
