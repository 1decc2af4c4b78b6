package httpapi

import (
	"expvar"
	"log"
	"net/http"
	"strconv"
	"time"
)

var (
	requestsTotal   = expvar.NewInt("http_requests_total")
	requestsByCode  = expvar.NewMap("http_requests_by_status")
	requestDuration = expvar.NewFloat("http_request_seconds_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		requestsTotal.Add(1)
		requestsByCode.Add(strconv.Itoa(sw.status), 1)
		requestDuration.Add(elapsed.Seconds())

		requestID := r.Header.Get("X-Request-ID")
		log.Printf("http method=%s path=%s status=%d duration=%s request_id=%s",
			r.Method, r.URL.Path, sw.status, elapsed.Round(time.Millisecond), requestID)
	})
}
