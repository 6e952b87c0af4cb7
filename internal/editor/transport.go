package editor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	co "github.com/ilnaes/collabpad/internal/common"
	"golang.org/x/xerrors"
)

// Transport carries protocol messages to and from the server. Send may be
// called from several goroutines; Receive from one.
type Transport interface {
	Send(ctx context.Context, req co.Request) error
	Receive(ctx context.Context) (co.Response, error)
	Close() error
}

type WebsocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to a collabpad server, retrying with exponential backoff
// until ctx ends or the server refuses the credentials.
func Dial(ctx context.Context, url, token string) (*WebsocketTransport, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var conn *websocket.Conn
	connect := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
				return backoff.Permanent(xerrors.Errorf("server refused connection: %s", resp.Status))
			}
			return xerrors.Errorf("failed to dial %s: %w", url, err)
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})
	return &WebsocketTransport{conn: conn}, nil
}

func (t *WebsocketTransport) Send(ctx context.Context, req co.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteJSON(req)
}

func (t *WebsocketTransport) Receive(ctx context.Context) (co.Response, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var res co.Response
	if err := t.conn.ReadJSON(&res); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, err
	}
	return res, nil
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.mu.Unlock()
	return t.conn.Close()
}
