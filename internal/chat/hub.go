package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errProtocol = errors.New("protocol error")

// RelationChecker is the authorization predicate the hub needs.
type RelationChecker interface {
	Exists(ctx context.Context, managerID, clientID int) (bool, error)
}

// MessageWriter persists one message; the record is durable on return.
type MessageWriter interface {
	Create(ctx context.Context, senderID, receiverID int, content string) (*ChatMessage, error)
}

type HubConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	PersistTimeout time.Duration
}

// Hub owns the live side of the service: it authorizes connections, attaches
// sessions to their groups and sequences persist-then-fanout for each frame.
type Hub struct {
	registry   *Registry
	dispatcher *Dispatcher
	relations  RelationChecker
	messages   MessageWriter
	cfg        HubConfig
	log        *zap.Logger
}

func NewHub(registry *Registry, dispatcher *Dispatcher, relations RelationChecker, messages MessageWriter, cfg HubConfig, log *zap.Logger) *Hub {
	return &Hub{
		registry:   registry,
		dispatcher: dispatcher,
		relations:  relations,
		messages:   messages,
		cfg:        cfg,
		log:        log.Named("hub"),
	}
}

// Authorize admits userID to room iff the pair is related and the user is one
// of its two parties.
func (h *Hub) Authorize(ctx context.Context, userID int, room Room) error {
	if !room.Has(userID) {
		return ErrNotParticipant
	}
	ok, err := h.relations.Exists(ctx, room.ManagerID, room.ClientID)
	if err != nil {
		return fmt.Errorf("check relation %s: %w", room, err)
	}
	if !ok {
		return ErrRelationNotFound
	}
	return nil
}

// NewSession starts the lifecycle of a connection attempt by userID on room.
// The session is Connecting until Admit runs.
func (h *Hub) NewSession(userID int, room Room) *Session {
	s := &Session{
		id:     uuid.NewString(),
		userID: userID,
		room:   room,
		groups: room.GroupsFor(userID),
		hub:    h,
		send:   make(chan []byte, h.cfg.SendBuffer),
	}
	s.log = h.log.With(
		zap.String("session", s.id),
		zap.Int("user_id", userID),
		zap.Stringer("room", room))
	s.state.Store(int32(StateConnecting))
	return s
}

// Admit authorizes s. A rejected session goes straight to Closed.
func (h *Hub) Admit(ctx context.Context, s *Session) error {
	s.state.Store(int32(StateAuthorizing))
	if err := h.Authorize(ctx, s.userID, s.room); err != nil {
		s.state.Store(int32(StateClosed))
		return err
	}
	return nil
}

// Attach binds an admitted session to its upgraded connection, joins its
// groups and starts the pumps.
func (h *Hub) Attach(s *Session, conn *websocket.Conn) {
	s.conn = conn
	for _, key := range s.groups {
		h.registry.Join(key, s)
	}
	s.state.Store(int32(StateActive))
	s.log.Info("session active")

	go s.writePump()
	go s.readPump()
}

func (h *Hub) detach(s *Session) {
	for _, key := range s.groups {
		h.registry.Leave(key, s)
	}
}

// receive handles one inbound frame. Only protocol errors are returned;
// everything else is answered on the session itself.
func (h *Hub) receive(s *Session, data []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("%w: %v", errProtocol, err)
	}
	if frame.Message == nil || *frame.Message == "" {
		s.replyError(errEmptyMessage)
		return nil
	}

	receiverID, err := s.room.OtherParty(s.userID)
	if err != nil {
		return fmt.Errorf("%w: %v", errProtocol, err)
	}

	msg, err := h.persist(s.userID, receiverID, *frame.Message)
	if err != nil {
		s.log.Error("persist message", zap.Error(err))
		s.replyError(errMessageNotSent)
		return nil
	}

	// The message is durable; fanout is best effort from here on and gets a
	// budget of its own.
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
	defer cancel()
	_ = h.dispatcher.Dispatch(ctx, s.room, msg)
	return nil
}

// persist is detached from the connection: a started write is never cut
// short by the peer going away.
func (h *Hub) persist(senderID, receiverID int, content string) (*ChatMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
	defer cancel()
	return h.messages.Create(ctx, senderID, receiverID, content)
}
