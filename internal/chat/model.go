package chat

import (
	"errors"
	"time"
)

var (
	ErrRelationNotFound = errors.New("relation not found")
	ErrRelationExists   = errors.New("relation already exists")
	ErrUserNotFound     = errors.New("manager or client not found")
	ErrNotParticipant   = errors.New("user is not a party to this room")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrSessionClosed    = errors.New("session closed")
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type UserRef struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
}

// Relationship pairs a manager with one of their clients. Its existence
// authorizes the room of that pair.
type Relationship struct {
	ID      int     `json:"id"`
	Manager UserRef `json:"manager"`
	Client  UserRef `json:"client"`
}

// ChatMessage is immutable once stored.
type ChatMessage struct {
	ID        int       `json:"id"`
	Sender    UserRef   `json:"sender"`
	Receiver  UserRef   `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type CreateRelationRequest struct {
	ManagerID int `json:"manager_id" validate:"required,gt=0"`
	ClientID  int `json:"client_id" validate:"required,gt=0"`
}

type UpdateRelationRequest struct {
	ClientID int `json:"client_id" validate:"required,gt=0"`
}

// ---------------------------------------------
// Wire frames
// ---------------------------------------------

const eventChatMessage = "chat_message"

// inboundFrame is what a connected peer sends. Message is a pointer so an
// absent field and an explicit null are both "empty", while a non-string
// value fails to decode.
type inboundFrame struct {
	Message *string `json:"message"`
}

// Event is an outbound chat frame. Notification marks deliveries made on the
// receiver's personal group.
type Event struct {
	Type         string `json:"type"`
	Notification bool   `json:"notification,omitempty"`
	SenderID     int    `json:"sender_id"`
	Message      string `json:"message"`
}

type errorFrame struct {
	Error string `json:"error"`
}

const (
	errEmptyMessage   = "message cannot be empty"
	errMessageNotSent = "message could not be saved"
)
