package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	co "github.com/ilnaes/collabpad/internal/common"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one websocket connection. A connection may join several
// documents; every outbound message goes through the bounded send queue.
type Client struct {
	s       *Server
	id      string
	uid     string
	conn    *websocket.Conn
	send    chan co.Response
	limiter *rate.Limiter
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Server) NewClient(ctx context.Context, uid string, conn *websocket.Conn) *Client {
	id := xid.New().String()
	ctx, cancel := context.WithCancel(ctx)

	limit, burst := rate.Inf, s.cfg.RateBurst
	if s.cfg.RateLimit > 0 {
		limit = rate.Limit(s.cfg.RateLimit)
	}
	if burst < 1 {
		burst = 1
	}

	return &Client{
		s:       s,
		id:      id,
		uid:     uid,
		conn:    conn,
		send:    make(chan co.Response, s.cfg.OutboundQueue),
		limiter: rate.NewLimiter(limit, burst),
		log:     s.log.With().Str("conn", id).Str("client", uid).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
}

func (c *Client) ID() string       { return c.id }
func (c *Client) ClientID() string { return c.uid }

// Send never blocks. A full queue means the reader has fallen behind, and
// the connection is dropped.
func (c *Client) Send(res co.Response) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- res:
		return true
	case <-c.closed:
		return false
	default:
		c.log.Warn().Int("queued", len(c.send)).Msg("slow consumer, closing connection")
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) write(res co.Response) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(res)
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case res := <-c.send:
			if err := c.write(res); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) handleJoin(m co.Request) {
	if err := c.s.reg.Join(c.ctx, c, m.DocumentID, m.StorageKey); err != nil {
		c.log.Info().Err(err).Str("document", m.DocumentID).Msg("join failed")
		c.Send(co.ErrorResponse(m.DocumentID, err))
	}
}

func (c *Client) handleUpdate(m co.Request) {
	if m.Operation == nil {
		c.Send(co.ErrorResponse(m.DocumentID, co.Malformed("update without operation")))
		return
	}
	op, err := m.Operation.Decode()
	if err != nil {
		res := co.ErrorResponse(m.DocumentID, co.Malformed("%v", err))
		res.BatchID, res.IsLastInBatch = m.BatchID, m.IsLastInBatch
		c.Send(res)
		return
	}

	err = c.s.reg.Update(c, m.DocumentID, QueuedOperation{
		Op:            op,
		BatchID:       m.BatchID,
		IsLastInBatch: m.IsLastInBatch,
	}, m.ClientRevision)
	if err != nil {
		res := co.ErrorResponse(m.DocumentID, err)
		res.BatchID, res.IsLastInBatch = m.BatchID, m.IsLastInBatch
		c.Send(res)
	}
}

// handleSave copies the content synchronously so the save reflects every
// update read before it, then writes to storage off the read loop.
func (c *Client) handleSave(m co.Request) {
	req, err := c.s.reg.PrepareSave(c, m.DocumentID, m.StorageKey, m.MimeType)
	if err != nil {
		c.Send(co.ErrorResponse(m.DocumentID, err))
		return
	}

	c.s.wg.Add(1)
	go func() {
		defer c.s.wg.Done()
		// a save outlives the connection that asked for it
		if err := c.s.reg.Persist(context.WithoutCancel(c.ctx), req); err != nil {
			c.Send(co.ErrorResponse(m.DocumentID, err))
			return
		}
		c.Send(co.Response{
			Type:       co.SaveSuccess,
			DocumentID: m.DocumentID,
			Content:    req.Content,
			Revision:   req.Revision,
		})
	}()
}

func (c *Client) handleLeave(m co.Request) {
	if err := c.s.reg.Leave(c, m.DocumentID); err != nil {
		c.log.Debug().Err(err).Str("document", m.DocumentID).Msg("leave")
	}
}

func (c *Client) dispatch(m co.Request) {
	switch m.Type {
	case co.JoinDocument, co.UpdateDocument, co.SaveDocument, co.LeaveDocument:
		c.s.metrics.Messages.WithLabelValues(string(m.Type)).Inc()
	default:
		c.s.metrics.Messages.WithLabelValues("unknown").Inc()
	}

	if m.DocumentID == "" {
		c.Send(co.ErrorResponse("", co.Malformed("%s without documentId", m.Type)))
		return
	}

	switch m.Type {
	case co.JoinDocument:
		c.handleJoin(m)
	case co.UpdateDocument:
		c.handleUpdate(m)
	case co.SaveDocument:
		c.handleSave(m)
	case co.LeaveDocument:
		c.handleLeave(m)
	default:
		c.Send(co.ErrorResponse(m.DocumentID, co.Malformed("unknown message type %q", m.Type)))
	}
}

// interact reads until the connection fails, then leaves every document the
// connection joined.
func (c *Client) interact() {
	go c.writePump()
	defer func() {
		c.close()
		c.s.reg.LeaveAll(c)
		c.log.Info().Msg("disconnected")
	}()

	c.conn.SetReadLimit(c.s.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		var m co.Request
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn().Err(err).Msg("malformed message")
			c.s.metrics.Messages.WithLabelValues("malformed").Inc()
			c.Send(co.ErrorResponse("", co.Malformed("invalid message: %v", err)))
			continue
		}
		c.dispatch(m)
	}
}
