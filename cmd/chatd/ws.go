package main

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/conversation"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/presence"
	"github.com/nexaie/chatsync/internal/session"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The token check is the access control; cross-origin browser clients
	// are expected.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn wraps one websocket with a buffered outbound queue so session
// callbacks never block on a slow socket.
type wsConn struct {
	conn *websocket.Conn
	send chan Event

	once sync.Once
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, send: make(chan Event, sendBufferSize), done: make(chan struct{})}
}

// Send queues an event for delivery. A full queue means the client cannot
// keep up; the connection is dropped rather than blocking the session.
func (c *wsConn) Send(ev Event) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- ev:
		return nil
	default:
		c.close()
		return errors.New("send queue full")
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump serializes all writes to the socket.
func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		}
	}
}

// wsSink adapts session callbacks into outbound event frames.
type wsSink struct {
	c *wsConn
}

func (s wsSink) PresenceChanged(snaps []model.PresenceSnapshot) {
	_ = s.c.Send(Event{Type: evPresence, Presence: presenceEntries(snaps)})
}

func (s wsSink) ConversationsChanged(rows []conversation.Row) {
	_ = s.c.Send(Event{Type: evConversations, Conversations: conversationEntries(rows)})
}

func (s wsSink) MessageAppended(conversationID string, m model.Message) {
	_ = s.c.Send(Event{Type: evMessage, ConversationID: conversationID, Message: messageEntry(m)})
}

func (s wsSink) MessageUpdated(conversationID string, m model.Message) {
	_ = s.c.Send(Event{Type: evMessageUpdate, ConversationID: conversationID, Message: messageEntry(m)})
}

func (s wsSink) StatusChanged(st session.Status) {
	_ = s.c.Send(Event{Type: evStatus, Status: st.String()})
}

// handleWS authenticates the token, upgrades the connection and runs the
// session for its lifetime. Each connection owns its own session; closing
// the socket tears the session down and publishes offline.
func (s *apiServer) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.VerifyToken(r.URL.Query().Get("token"))
	if err != nil {
		httpError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wc := newWSConn(conn)
	go wc.writePump()

	opts := s.sessOpts
	if s.rdb != nil {
		opts.Heartbeat = presence.NewHeartbeat(s.rdb, claims.UserID, presence.DefaultHeartbeatTTL)
	}

	sess, err := session.New(r.Context(), s.gw, claims.UserID, wsSink{c: wc}, opts)
	if err != nil {
		log.Error().Err(err).Str("user", claims.UserID).Msg("session start failed")
		wc.close()
		return
	}

	connID := s.hub.Register(claims.UserID, wc)
	log.Info().Str("user", claims.UserID).Str("username", claims.Username).Msg("client connected")

	s.readLoop(r, wc, sess)

	s.hub.Unregister(claims.UserID, connID)
	sess.Close()
	wc.close()
	log.Info().Str("user", claims.UserID).Msg("client disconnected")
}

// readLoop consumes intent frames until the socket errors or closes.
func (s *apiServer) readLoop(r *http.Request, wc *wsConn, sess *session.Session) {
	ctx := r.Context()
	for {
		var in Intent
		if err := wc.conn.ReadJSON(&in); err != nil {
			return
		}

		switch in.Action {
		case "open":
			conv, err := sess.OpenConversation(ctx, in.UserID)
			if err != nil {
				_ = wc.Send(Event{Type: evError, Error: err.Error()})
				continue
			}
			_ = wc.Send(Event{Type: evOpened, ConversationID: conv.ID})
		case "close":
			sess.CloseConversation(in.ConversationID)
		case "send":
			if _, err := sess.SendMessage(ctx, in.ConversationID, in.Text); err != nil {
				_ = wc.Send(Event{Type: evError, Error: err.Error()})
			}
		case "typing":
			sess.UserTyping(ctx, in.ConversationID)
		case "markRead":
			if err := sess.MarkRead(ctx, in.ConversationID); err != nil {
				_ = wc.Send(Event{Type: evError, Error: err.Error()})
			}
		case "signal":
			switch in.Signal {
			case "visible":
				sess.HandleSignal(presence.SignalVisible)
			case "hidden":
				sess.HandleSignal(presence.SignalHidden)
			case "unload":
				sess.HandleSignal(presence.SignalUnload)
			}
		default:
			_ = wc.Send(Event{Type: evError, Error: "unknown action"})
		}
	}
}
