package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// maxMessageBytes bounds a single server message. Neighborhood reports with
// ten features per category stay well below it.
const maxMessageBytes = 4 << 20

// WebSocketTransport talks JSON-RPC text frames to a remote server.
type WebSocketTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

// DialWebSocket connects to url. header is sent with the upgrade request.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	return &WebSocketTransport{conn: conn}, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("transport closed")
	}
	if err := t.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
