package api

import (
	"log"
	"net/http"
	"time"
)

// CORSMiddleware allows any LAN origin to call the local API; there is no
// credential to protect since the API itself performs no authentication.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogMiddleware logs every request's method, path, source address,
// and user agent.
func RequestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s source=%s user-agent=%q duration=%s",
			r.Method, r.URL.Path, r.RemoteAddr, r.UserAgent(), time.Since(start))
	})
}
