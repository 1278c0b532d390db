package termbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"taskdeck/internal/protocol"
)

// readLimit bounds one downstream message; the scrollback replay on attach
// arrives as a single frame.
const readLimit = 4 << 20

// Socket is one message-oriented connection to a task's pty endpoint.
type Socket interface {
	Read(ctx context.Context) (data []byte, binary bool, err error)
	Write(ctx context.Context, data []byte, binary bool) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, taskID string, size Size) (Socket, error)
}

// Endpoint resolves where a task's pty lives and how to authenticate.
type Endpoint interface {
	PTYURL(taskID string, cols, rows int) (string, error)
	AuthHeader() http.Header
}

type WebsocketDialer struct {
	Endpoint Endpoint
}

func (d WebsocketDialer) Dial(ctx context.Context, taskID string, size Size) (Socket, error) {
	url, err := d.Endpoint.PTYURL(taskID, size.Cols, size.Rows)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Endpoint.AuthHeader()})
	if err != nil {
		return nil, classifyDialError(resp, err)
	}
	conn.SetReadLimit(readLimit)
	return &wsSocket{conn: conn}, nil
}

func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("dial pty: %w", protocol.ErrUnauthorized)
		case http.StatusNotFound:
			return fmt.Errorf("dial pty: %w", protocol.ErrNotFound)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("dial pty: %v: %w", err, protocol.ErrUnreachable)
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, false, io.EOF
		}
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (s *wsSocket) Write(ctx context.Context, data []byte, binary bool) error {
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return s.conn.Write(ctx, typ, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
