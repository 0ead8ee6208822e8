package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
)

type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one live connection, a member of exactly one room group and of
// its user's personal group.
type Session struct {
	id     string
	userID int
	room   Room
	groups [2]GroupKey
	hub    *Hub
	conn   *websocket.Conn
	log    *zap.Logger
	state  atomic.Int32

	mu        sync.RWMutex
	send      chan []byte
	closed    bool
	closeOnce sync.Once
	staleOnce sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) UserID() int { return s.userID }

func (s *Session) Room() Room { return s.room }

func (s *Session) State() State { return State(s.state.Load()) }

// Deliver queues payload without blocking. A peer whose queue is full is
// considered stale and its connection is torn down.
func (s *Session) Deliver(payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		s.staleOnce.Do(func() {
			s.log.Warn("send buffer full, dropping connection")
			s.conn.Close()
		})
		return ErrSendBufferFull
	}
}

// Close leaves every group and stops the write pump. Safe to call more than
// once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.hub.detach(s)
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		s.log.Info("session closed")
	})
}

func (s *Session) replyError(text string) {
	data, _ := json.Marshal(errorFrame{Error: text})
	if err := s.Deliver(data); err != nil {
		s.log.Debug("error frame not delivered", zap.Error(err))
	}
}

// readPump handles inbound frames one at a time, so a session never persists
// two messages concurrently.
func (s *Session) readPump() {
	defer func() {
		s.Close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if err := s.hub.receive(s, data); err != nil {
			if errors.Is(err, errProtocol) {
				s.log.Info("closing on protocol error", zap.Error(err))
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseProtocolError, ""),
					time.Now().Add(writeWait))
				return
			}
			s.log.Error("receive", zap.Error(err))
		}
	}
}

// writePump is the only writer of data frames. Each queued payload goes out
// as its own frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
