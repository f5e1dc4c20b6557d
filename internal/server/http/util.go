package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

func encodeJSONResponse[T any](w http.ResponseWriter, code int, data T) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if code == http.StatusNoContent {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// getClientIP prefers proxy headers over the socket address. Loopback
// addresses collapse to 127.0.0.1 and unparsable ones to 0.0.0.0.
func getClientIP(req *http.Request) string {
	candidate := req.Header.Get("X-Original-Forwarded-For")
	if candidate == "" {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			candidate = strings.TrimSpace(strings.Split(xff, ",")[0])
		}
	}
	if candidate == "" {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		candidate = host
	}

	ip := net.ParseIP(candidate)
	if ip == nil {
		return "0.0.0.0"
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	return ip.String()
}
