package origin

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/adamwoolhether/backoffer/throttle/transport"
)

// Handler answers requests by walking its script. Once the script is
// exhausted the last response repeats, unless looping was asked for.
type Handler struct {
	mu     sync.Mutex
	script []Response
	next   int
	loop   bool
	hits   atomic.Int64
}

// NewHandler returns a Handler for script. An empty script always
// answers 200.
func NewHandler(script []Response, loop bool) *Handler {
	if len(script) == 0 {
		script = []Response{{Status: http.StatusOK}}
	}

	return &Handler{
		script: append([]Response(nil), script...),
		loop:   loop,
	}
}

// Hits returns the number of requests served.
func (h *Handler) Hits() int64 { return h.hits.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hit := h.hits.Add(1)
	resp := h.advance()

	w.Header().Set("Content-Type", "application/json")
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", resp.retryAfterHeader())
	}
	if resp.OptOut {
		w.Header().Set(transport.OptOutHeader, transport.OptOutValue)
	}

	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.body(hit)))
}

func (h *Handler) advance() Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := h.script[h.next]
	switch {
	case h.next < len(h.script)-1:
		h.next++
	case h.loop:
		h.next = 0
	}

	return resp
}
