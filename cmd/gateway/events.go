package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"astrograph/pkg/httpx"
	"astrograph/pkg/ledger"
	"astrograph/pkg/proxy"
	"astrograph/pkg/staging"
	"astrograph/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// observeForward fans one forwarded call out to metrics, the event stream
// and the ledger.
func (s *Server) observeForward(ctx context.Context, req proxy.Request, resp proxy.Response) {
	errKind := ""
	if resp.Err != nil {
		errKind = string(resp.Err.Kind)
		log.Printf("gateway: bridge %s %s failed [%s] kind=%s: %s", resp.Route.UpstreamMethod, resp.UpstreamPath, req.RequestID, errKind, resp.Err.Message)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveBridge(string(req.Key), errKind, resp.UpstreamStatus, resp.Duration)
	}

	data := map[string]any{
		"route":         string(req.Key),
		"upstream_path": resp.UpstreamPath,
		"status":        resp.StatusCode,
		"duration_ms":   resp.Duration.Milliseconds(),
	}
	eventType := stream.TypeBridgeForwarded
	if resp.Err != nil {
		eventType = stream.TypeBridgeError
		data["error_kind"] = errKind
		data["error"] = resp.Err.Message
	} else {
		data["upstream_status"] = resp.UpstreamStatus
	}
	s.publish(ctx, stream.NewEvent(eventType, req.RequestID, data))

	if s.Ledger == nil {
		return
	}
	rec := ledger.Record{
		RequestID:      req.RequestID,
		RouteKey:       string(req.Key),
		Method:         resp.Route.Method,
		Path:           req.Path,
		UpstreamPath:   resp.UpstreamPath,
		StatusCode:     resp.StatusCode,
		UpstreamStatus: resp.UpstreamStatus,
		ErrorKind:      errKind,
		ClientIP:       req.ClientIP,
		DurationMS:     resp.Duration.Milliseconds(),
		BodyDigest:     req.Body.Digest(),
	}
	if resp.Err != nil {
		rec.ErrorMessage = resp.Err.Message
	}
	if req.File != nil {
		rec.UploadName = req.File.OriginalName
		rec.UploadBytes = req.File.SizeBytes
	}
	if !s.Ledger.Enqueue(rec) {
		log.Printf("gateway: ledger queue full, dropped record for %s", req.RequestID)
	}
}

// publish delivers evt to websocket subscribers and, when configured, Kafka.
func (s *Server) publish(ctx context.Context, evt stream.Event) {
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.Printf("gateway: publish %s [%s]: %v", evt.Type, evt.RequestID, err)
	}
}

func eventUploadStaged(requestID string, f *staging.File) stream.Event {
	return stream.NewEvent(stream.TypeUploadStaged, requestID, map[string]any{
		"name":  f.OriginalName,
		"bytes": f.SizeBytes,
	})
}

func eventUploadReleased(requestID string, f *staging.File) stream.Event {
	return stream.NewEvent(stream.TypeUploadReleased, requestID, map[string]any{
		"name": f.OriginalName,
	})
}

// streamEvents pushes hub events to a websocket client. The optional "types"
// query parameter is a comma list of event type prefixes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	// websocket connections outlive the server write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64, splitList(r.URL.Query().Get("types"))...)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("stream.ready", httpx.RequestIDFrom(r.Context()), nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
