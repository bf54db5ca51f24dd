package main

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/guardflow/api/handlers"
	"github.com/BaSui01/guardflow/internal/metrics"
	"github.com/BaSui01/guardflow/internal/telemetry"
	"github.com/BaSui01/guardflow/types"
)

// routeLabels 已注册的路由；其他路径在指标与 span 名中记为 /other
var routeLabels = map[string]struct{}{
	"/health": {}, "/healthz": {}, "/ready": {}, "/readyz": {}, "/version": {},
	"/api/v1/text/chunk":                 {},
	"/api/v2/text/detection/content":     {},
	"/api/v2/chat/completions-detection": {},
	"/api/v1/detectors":                  {},
	"/api/v1/audit/events":               {},
}

func normalizePath(path string) string {
	if _, ok := routeLabels[path]; ok {
		return path
	}
	return "/other"
}

// RequestLogger logs one line per request; 5xx responses log at warn.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			level := zapcore.InfoLevel
			if rw.StatusCode >= http.StatusInternalServerError {
				level = zapcore.WarnLevel
			}
			ce := logger.Check(level, "request")
			if ce == nil {
				return
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("bytes", rw.Bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			ctx := r.Context()
			if id, ok := types.RequestID(ctx); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			if subject, ok := types.Subject(ctx); ok {
				fields = append(fields, zap.String("subject", subject))
			}
			ce.Write(fields...)
		})
	}
}

// MetricsMiddleware records request count, latency and sizes per route.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode,
				time.Since(start), max(r.ContentLength, 0), rw.Bytes)
		})
	}
}

// OTelTracing starts a server span per request, continuing any propagated
// trace. The trace id is put in the context for the generation call.
func OTelTracing() Middleware {
	tracer := telemetry.Tracer("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			route := normalizePath(r.URL.Path)

			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPathKey.String(r.URL.Path),
				))
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = types.WithTraceID(ctx, sc.TraceID().String())
			}
			if id, ok := types.RequestID(ctx); ok {
				span.SetAttributes(telemetry.AttrRequestID.String(id))
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}
