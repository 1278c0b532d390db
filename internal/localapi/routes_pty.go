package localapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"taskdeck/internal/protocol"
)

const (
	ptyWriteTimeout = 10 * time.Second
	// replayChunk matches the pty read size so scrollback frames are never
	// larger than live output frames.
	replayChunk = 32 << 10
)

// handlePTY streams a task's terminal over a websocket. Output goes down as
// binary frames after the scrollback; text or binary frames coming up are
// keystrokes unless they parse as a resize control. Closing the socket
// detaches the viewer and leaves the process running.
func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, err := s.deps.Tasks.Get(r.Context(), taskID); err != nil {
		respondErr(w, err)
		return
	}
	if s.deps.Terminals == nil {
		respondError(w, http.StatusNotFound, protocol.CodeNotFound, "no terminals available")
		return
	}
	term, err := s.deps.Terminals.Terminal(taskID)
	if err != nil {
		respondErr(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("pty websocket accept failed", "task_id", taskID, "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if cols, rows := queryInt(r, "cols"), queryInt(r, "rows"); cols > 0 && rows > 0 {
		if err := term.Resize(cols, rows); err != nil {
			s.logger.Debug("initial resize failed", "task_id", taskID, "err", err)
		}
	}

	sub := term.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("pty viewer attached", "task_id", taskID)
	defer s.logger.Info("pty viewer detached", "task_id", taskID)

	go func() {
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				if ctrl, ok := protocol.ParseControl(data); ok {
					if err := term.Resize(ctrl.Cols, ctrl.Rows); err != nil {
						s.logger.Debug("resize failed", "task_id", taskID, "err", err)
					}
					continue
				}
			}
			if err := term.Write(data); err != nil {
				s.logger.Debug("pty input dropped", "task_id", taskID, "err", err)
			}
		}
	}()

	for history := sub.History; len(history) > 0; {
		n := min(len(history), replayChunk)
		if err := writeFrame(ctx, conn, history[:n]); err != nil {
			return
		}
		history = history[n:]
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					_ = conn.Close(websocket.StatusTryAgainLater, err.Error())
					return
				}
				_ = conn.Close(websocket.StatusNormalClosure, "process exited")
				return
			}
			if err := writeFrame(ctx, conn, chunk); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("pty write failed", "task_id", taskID, "err", err)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, ptyWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
