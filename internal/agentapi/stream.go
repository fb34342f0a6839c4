package agentapi

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/worldbox/worldbox/internal/session"
	"github.com/worldbox/worldbox/internal/world"
)

// handleStream upgrades to a websocket and bridges it to a PTY execution.
// Frames are binary with a one-byte type prefix; no line framing, so
// full-screen programs pass through untouched. A stream_id query parameter
// reattaches to a running execution and replays its buffered output.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	cmd := q.Get("cmd")
	streamID := q.Get("stream_id")

	if streamID != "" {
		s.reattachStream(w, r, streamID)
		return
	}
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id", ErrMissingAgentID.Error(), "")
		return
	}
	if cmd == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "cmd is required", "")
		return
	}

	stream, proc, err := s.StartStream(r.Context(), agentID, cmd, q.Get("cwd"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		proc.Close()
		s.Streams.Remove(stream.ID)
		activeStreams.Dec()
		return
	}
	defer activeStreams.Dec()
	defer s.Streams.Remove(stream.ID)
	defer proc.Close()

	s.bridge(r.Context(), conn, stream, proc)
}

// reattachStream resumes an existing interactive stream: the replay buffer
// goes out first, then live output.
func (s *Service) reattachStream(w http.ResponseWriter, r *http.Request, streamID string) {
	stream, ok := s.Streams.Get(streamID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "stream not found", "")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	backlog := stream.Attach(func(p []byte) {
		msg := append([]byte{MsgOutput}, p...)
		if werr := conn.Write(ctx, websocket.MessageBinary, msg); werr != nil {
			stream.Detach()
		}
	})
	defer stream.Detach()

	if len(backlog) > 0 {
		if err := conn.Write(ctx, websocket.MessageBinary, append([]byte{MsgOutput}, backlog...)); err != nil {
			return
		}
	}
	// Reattached connections are read-only until the live proc is wired
	// through the original handler; input frames are drained and dropped.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// bridge pumps PTY output to the socket and socket frames back into the PTY
// until either side ends.
func (s *Service) bridge(ctx context.Context, conn *websocket.Conn, stream *session.Stream, proc world.Proc) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// PTY → socket, mirrored into the replay buffer.
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := proc.Read(buf)
			if n > 0 {
				_, _ = stream.Write(buf[:n])
				msg := append([]byte{MsgOutput}, buf[:n]...)
				if werr := conn.Write(ctx, websocket.MessageBinary, msg); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Debug("pty read ended", "error", err)
				}
				return
			}
		}
	}()

	// Socket → PTY.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		switch data[0] {
		case MsgInput:
			if _, err := proc.Write(data[1:]); err != nil {
				return
			}
		case MsgResize:
			if len(data) == 5 {
				rows := binary.BigEndian.Uint16(data[1:3])
				cols := binary.BigEndian.Uint16(data[3:5])
				if err := proc.Resize(rows, cols); err != nil {
					slog.Debug("pty resize failed", "error", err)
				}
			}
		case MsgPing:
			if err := conn.Write(ctx, websocket.MessageBinary, []byte{MsgPong}); err != nil {
				return
			}
		}
	}
}
