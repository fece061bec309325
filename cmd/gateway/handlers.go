package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"astrograph/pkg/httpx"
	"astrograph/pkg/models"
	"astrograph/pkg/proxy"
	"astrograph/pkg/ratelimit"
	"astrograph/pkg/staging"
	"astrograph/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

const (
	gatewayStatus  = "Space Explorer API Gateway Online"
	gatewayVersion = "3.1"
	uploadField    = "file"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.RecoverMiddleware)
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(serviceName))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": gatewayStatus, "version": gatewayVersion})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
	})
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metricsHandler)
	r.Get("/metrics/prometheus", func(w http.ResponseWriter, r *http.Request) {
		s.updateOperationalMetrics()
		s.Metrics.PrometheusHandler()(w, r)
	})
	r.Get("/api/events", s.streamEvents)

	r.Group(func(api chi.Router) {
		api.Use(ratelimit.Middleware(s.RateLimiter, ratelimit.ClientIPKey(s.TrustedProxyCIDRs)))
		api.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": "Node.js Backend Active"})
		})
		for _, route := range s.Forwarder.Table().Routes() {
			api.Method(route.Method, route.Path, s.forwardHandler(route))
		}
	})
	return r
}

func (s *Server) forwardHandler(route proxy.RouteMapping) http.HandlerFunc {
	if route.BodyKind == proxy.BodyMultipart {
		return func(w http.ResponseWriter, r *http.Request) { s.handleUpload(w, r, route) }
	}
	return func(w http.ResponseWriter, r *http.Request) {
		s.limitRequestBody(w, r, route)
		req := s.inbound(r, route)
		if route.BodyKind == proxy.BodyJSON {
			raw, ok := readRequestBody(w, r)
			if !ok {
				return
			}
			req.Body, _ = models.PayloadOrEmpty(raw)
		}
		// the bridge call outlives a client disconnect; its own timeout bounds it
		resp := s.Forwarder.Forward(context.WithoutCancel(r.Context()), req)
		httpx.WriteRawJSON(w, resp.StatusCode, resp.Body.Bytes())
	}
}

// handleUpload streams the "file" part to staging, forwards it, and releases
// the staged copy on every path out of the handler.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, route proxy.RouteMapping) {
	s.limitRequestBody(w, r, route)
	req := s.inbound(r, route)
	part, err := findFilePart(r)
	if err != nil {
		if isBodyTooLarge(err) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.Metrics.IncUploadMissingFile()
		httpx.Error(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer part.Close()

	file, err := s.Staging.Stage(r.Context(), part.FileName(), part)
	if err != nil {
		if errors.Is(err, staging.ErrTooLarge) || isBodyTooLarge(err) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.Metrics.IncUploadStageFailed()
		log.Printf("gateway: stage upload [%s]: %v", req.RequestID, err)
		httpx.Error(w, http.StatusInternalServerError, "failed to stage upload: "+err.Error())
		return
	}
	defer func() {
		s.Staging.Release(file)
		s.publish(r.Context(), eventUploadReleased(req.RequestID, file))
	}()
	s.Metrics.IncUploadAccepted(file.SizeBytes)
	s.publish(r.Context(), eventUploadStaged(req.RequestID, file))

	req.File = file
	resp := s.Forwarder.Forward(context.WithoutCancel(r.Context()), req)
	httpx.WriteRawJSON(w, resp.StatusCode, resp.Body.Bytes())
}

// findFilePart returns the first part named "file" that carries a filename.
// A non-multipart body, or one without such a part, is an error.
func findFilePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no file part")
			}
			return nil, err
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *Server) inbound(r *http.Request, route proxy.RouteMapping) proxy.Request {
	req := proxy.Request{
		Key:       route.Key,
		RequestID: httpx.RequestIDFrom(r.Context()),
		Path:      r.URL.Path,
		ClientIP:  strings.TrimPrefix(ratelimit.ClientIPKey(s.TrustedProxyCIDRs)(r), "ip:"),
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.URLParams.Keys) > 0 {
		req.Params = make(map[string]string, len(rctx.URLParams.Keys))
		for i, k := range rctx.URLParams.Keys {
			req.Params[k] = rctx.URLParams.Values[i]
		}
	}
	return req
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	timeout := s.ReadyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if berr := s.Bridge.Ping(ctx); berr != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "bridge unavailable: " + berr.Message,
			"kind":   string(berr.Kind),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "bridge": "ok"})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.updateOperationalMetrics()
	s.Metrics.Handler()(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		path = r.Method + " " + path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

// limitRequestBody caps the body by the route's kind: MaxUploadBytes for the
// multipart route, MaxRequestBodyBytes for everything else. The client's
// Content-Type plays no part.
func (s *Server) limitRequestBody(w http.ResponseWriter, r *http.Request, route proxy.RouteMapping) {
	limit := s.MaxRequestBodyBytes
	if route.BodyKind == proxy.BodyMultipart && s.MaxUploadBytes > 0 {
		limit = s.MaxUploadBytes
	}
	if limit > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if isBodyTooLarge(err) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
