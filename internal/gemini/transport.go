package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	closeText    = "Intentional disconnect"
	writeTimeout = 5 * time.Second
	dialTimeout  = 30 * time.Second
	// maxMessageSize は音声応答を含む受信メッセージの上限です。
	maxMessageSize = 16 * 1024 * 1024
)

// Conn は双方向トランスポートです。*websocket.Conn が満たします。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer はトランスポートを開きます。
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// WebSocketDialer は gorilla/websocket を使う既定の Dialer です。
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket 接続に失敗 (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket 接続に失敗: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// endpointWithKey は API キーをクエリパラメータとして付与します。
func endpointWithKey(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("エンドポイントの解析に失敗: %w", err)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func closeMessage() []byte {
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeText)
}
