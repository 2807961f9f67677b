package middleware

import (
	"fmt"
	"net/http"
	"time"

	"omnidesk/internal/httputil"
	"omnidesk/internal/metrics"
	"omnidesk/internal/service"
	"omnidesk/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Observability starts a span per request, assigns a request id, records
// Prometheus metrics labelled by route template, and writes an access log.
func Observability(logger *logrus.Logger, m *metrics.Metrics, ips *httputil.ClientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method+" "+route)
			defer span.End()

			requestID := r.Header.Get(tracing.RequestIDHeader)
			if requestID == "" || len(requestID) > 128 {
				requestID = tracing.GenerateRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			ctx = tracing.WithStartTime(ctx, start)
			r = r.WithContext(ctx)
			w.Header().Set(tracing.RequestIDHeader, requestID)

			clientIP := ips.ClientIP(r)
			tracing.AddSpanAttributes(ctx,
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", clientIP),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)

			done := m.HTTPStarted()
			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)
			duration := time.Since(start)
			done(r.Method, route, wrapper.statusCode, duration)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.body.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= http.StatusInternalServerError {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			}

			level := logrus.InfoLevel
			switch {
			case wrapper.statusCode >= 500:
				level = logrus.ErrorLevel
			case wrapper.statusCode >= 400:
				level = logrus.WarnLevel
			case route == "/health" || route == "/metrics":
				level = logrus.DebugLevel
			}
			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  requestID,
				service.LogFieldTraceID:    tracing.GetTraceID(ctx),
				service.LogFieldMethod:     r.Method,
				service.LogFieldRoute:      route,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   clientIP,
				service.LogFieldSize:       wrapper.responseSize,
			}).Log(level, "HTTP request completed")
		})
	}
}

// Recover turns handler panics into 500 responses.
func Recover(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithFields(logrus.Fields{
						service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
						service.LogFieldRoute:     routeTemplate(r),
						"panic":                   fmt.Sprint(rec),
					}).Error("Recovered from handler panic")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// routeTemplate keeps metric labels bounded by using the mux template.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWrapper captures response metrics
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying writer.
func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
