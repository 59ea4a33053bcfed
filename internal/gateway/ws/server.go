// Package ws implements the WebSocket endpoint for live build and run
// output. Clients connect while an execution is in flight and receive
// the captured output incrementally instead of polling the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/lbforge/lbforge/internal/runner"
)

const (
	// pollInterval is how often the stream loop asks the guard for new
	// output. Fast enough to feel live, slow enough to stay cheap.
	pollInterval = 200 * time.Millisecond

	// chunkSize caps how much output one frame carries.
	chunkSize = 32 * 1024
)

// Event is one frame sent to the client.
type Event struct {
	Type   string `json:"type"` // output | status
	Data   string `json:"data,omitempty"`
	Offset int64  `json:"offset"`
	Active bool   `json:"active"`
}

// Server streams live execution output over WebSocket connections.
type Server struct {
	guard  *runner.Guard
	logger *slog.Logger
}

// NewServer creates a WebSocket log server backed by the execution guard.
func NewServer(guard *runner.Guard, logger *slog.Logger) *Server {
	return &Server{guard: guard, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"lbforge-logs-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.streamLogs(r.Context(), conn)
}

// streamLogs polls the guard for new output and pushes it to the client
// until the client disconnects.
func (s *Server) streamLogs(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The client sends nothing after the handshake. A read pump is still
	// needed to notice the peer going away and to answer control frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	var offset int64
	_, _, wasActive := s.guard.Stream(0, 0)
	if err := s.writeEvent(ctx, conn, Event{Type: "status", Active: wasActive}); err != nil {
		s.logClosed(err)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chunk, next, active := s.guard.Stream(offset, chunkSize)
		offset = next

		if len(chunk) > 0 {
			err := s.writeEvent(ctx, conn, Event{
				Type:   "output",
				Data:   string(chunk),
				Offset: next,
				Active: active,
			})
			if err != nil {
				s.logClosed(err)
				return
			}
		}

		// Announce transitions so the client can mark an execution as
		// started or finished without diffing output.
		if active != wasActive {
			wasActive = active
			err := s.writeEvent(ctx, conn, Event{
				Type:   "status",
				Offset: next,
				Active: active,
			})
			if err != nil {
				s.logClosed(err)
				return
			}
			if !active {
				// A fresh execution starts its sink from zero.
				offset = 0
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) logClosed(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.logger.Debug("log stream closed by client")
		return
	}
	s.logger.Debug("log stream write failed", slog.String("error", err.Error()))
}
