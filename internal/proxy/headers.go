package proxy

import (
	"net/http"
	"strings"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers stored with request payloads but never in clear.
var redactedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

func stripHopByHop(h http.Header) {
	// Headers named in Connection are hop-by-hop as well.
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}

// upstreamHeaders builds the headers sent to the study API. token is used only
// when the caller sent no Authorization of its own.
func upstreamHeaders(original http.Header, token string) http.Header {
	h := original.Clone()
	stripHopByHop(h)
	h.Del("Host")
	h.Del("Cookie")

	if token != "" && h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+token)
	}

	// Uncompressed bodies so event streams can be teed as is.
	h.Del("Accept-Encoding")
	return h
}

func clientHeaders(upstream http.Header) http.Header {
	h := upstream.Clone()
	stripHopByHop(h)
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	return h
}

func redact(h http.Header) map[string][]string {
	m := make(map[string][]string, len(h))
	for k, v := range h {
		if redactedHeaders[strings.ToLower(k)] {
			m[k] = []string{"[REDACTED]"}
			continue
		}
		m[k] = v
	}
	return m
}
