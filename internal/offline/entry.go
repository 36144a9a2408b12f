package offline

import (
	"net/http"
	"strconv"
	"time"
)

// Entry is a stored response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Key identifies a cached request: method plus absolute URL.
func Key(method, absURL string) string { return method + " " + absURL }

// OK reports a 2xx status. Only OK responses are stored.
func (e Entry) OK() bool { return e.Status >= 200 && e.Status <= 299 }

// Hop-by-hop headers are never stored or replayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func cleanHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// write replays e to rw, tagging the response with how it was produced.
func (e Entry) write(rw http.ResponseWriter, source string) {
	h := rw.Header()
	for k, vs := range e.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	if source != "" {
		h.Set(SourceHeader, source)
	}
	rw.WriteHeader(e.Status)
	_, _ = rw.Write(e.Body)
}

// SourceHeader tells the client whether a response came from the network or
// the cache.
const SourceHeader = "X-Offpos-Source"

const (
	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
)
