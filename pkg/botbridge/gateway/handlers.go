package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/botbridge/pkg/botbridge/bridge"
	"github.com/jholhewres/botbridge/pkg/botbridge/manager"
	"github.com/jholhewres/botbridge/pkg/botbridge/puppet"
)

// maxCommandBody caps POST /api/bots/{id}/commands bodies.
const maxCommandBody = 1 << 20

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	bots := make(map[string]string)
	for _, st := range g.bots.Statuses() {
		bots[st.Identity] = st.State
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  uptime,
		"bots":    bots,
	})
}

// handleListBots implements GET /api/bots
func (g *Gateway) handleListBots(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"bots": g.bots.Statuses()})
}

// botDetail is the GET /api/bots/{id} response.
type botDetail struct {
	bridge.Status
	Puppet     string            `json:"puppet"`
	Reconnect  string            `json:"reconnect"`
	Restarts   int               `json:"restarts"`
	ScanCode   string            `json:"scan_code,omitempty"`
	ScanStatus puppet.ScanStatus `json:"scan_status,omitempty"`
}

// handleGetBot implements GET /api/bots/{id}
func (g *Gateway) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := g.bots.Session(id)
	if !ok {
		g.writeError(w, "bot not found", http.StatusNotFound)
		return
	}
	detail := botDetail{
		Status:    s.Status(),
		Puppet:    s.Puppet(),
		Reconnect: string(s.Policy()),
		Restarts:  s.Restarts(),
	}
	if code, status := s.ScanCode(); code != "" {
		detail.ScanCode = code
		detail.ScanStatus = status
	}
	g.writeJSON(w, http.StatusOK, detail)
}

// handleCommand implements POST /api/bots/{id}/commands
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		g.writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxCommandBody {
		g.writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var raw bridge.RawCommand
	if err := json.Unmarshal(body, &raw); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	// Function commands carry Go code and only exist in-process.
	if raw.Topic == bridge.TopicFunction {
		g.writeError(w, "function commands are not accepted over HTTP", http.StatusBadRequest)
		return
	}

	err = g.bots.Dispatch(r.Context(), id, raw)
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "done", "topic": raw.Topic})
	case errors.Is(err, manager.ErrUnknownBot):
		g.writeError(w, "bot not found", http.StatusNotFound)
	case errors.Is(err, bridge.ErrNotLoggedIn):
		g.writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, bridge.ErrRouting):
		g.writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, puppet.ErrUnknownMessage):
		g.writeError(w, err.Error(), http.StatusNotFound)
	default:
		g.logger.Warn("command failed", "bot", id, "topic", raw.Topic, "error", err)
		g.writeError(w, err.Error(), http.StatusBadGateway)
	}
}

// eventStream buffers envelopes for one SSE client. When the buffer is
// full message envelopes are dropped; any other envelope marks the stream
// as lagging so the handler closes it and the client resynchronises.
type eventStream struct {
	ch      chan bridge.Envelope
	lagging chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newEventStream(size int) *eventStream {
	return &eventStream{
		ch:      make(chan bridge.Envelope, size),
		lagging: make(chan struct{}),
	}
}

func (s *eventStream) offer(env bridge.Envelope) {
	select {
	case <-s.lagging:
		return
	default:
	}
	select {
	case s.ch <- env:
		return
	default:
	}
	if env.Topic == bridge.TopicMessage {
		s.dropped.Add(1)
		return
	}
	s.once.Do(func() { close(s.lagging) })
}

// handleEvents implements GET /api/events as a Server-Sent Events stream.
// ?bot=<id> restricts the stream to one bot. A slow client never stalls
// the bots: it loses message envelopes, and if a lifecycle envelope
// (login, logout, scan, error, ...) cannot be buffered the stream ends
// with an "overflow" event.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	only := r.URL.Query().Get("bot")

	stream := newEventStream(g.streamBuffer)
	unsubscribe := g.bots.Subscribe(func(env bridge.Envelope) {
		if only != "" && env.Identity != only {
			return
		}
		stream.offer(env)
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	send := func(env bridge.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			g.logger.Warn("failed to encode envelope", "topic", env.Topic, "error", err)
			return
		}
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Topic, data)
	}

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			if n := stream.dropped.Load(); n > 0 {
				g.logger.Debug("event stream closed with drops", "dropped", n)
			}
			return
		case <-stream.lagging:
			unsubscribe()
			for len(stream.ch) > 0 {
				send(<-stream.ch)
			}
			fmt.Fprintf(w, "event: overflow\ndata: {\"dropped\":%d}\n\n", stream.dropped.Load())
			flusher.Flush()
			g.logger.Warn("event stream closed, client too slow", "remote", r.RemoteAddr)
			return
		case env := <-stream.ch:
			send(env)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
