package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	myMiddleware "relaychat/internal/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type RelationStore interface {
	RelationChecker
	ListForUser(ctx context.Context, userID int, asManager bool) ([]Relationship, error)
	Get(ctx context.Context, id int) (*Relationship, error)
	Create(ctx context.Context, managerID, clientID int) (*Relationship, error)
	UpdateClient(ctx context.Context, id, clientID int) (*Relationship, error)
	Delete(ctx context.Context, id int) error
}

type MessageStore interface {
	MessageWriter
	ListForUser(ctx context.Context, userID, limit, offset int) ([]ChatMessage, error)
}

type Handler struct {
	hub       *Hub
	relations RelationStore
	messages  MessageStore
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	log       *zap.Logger
}

// NewHandler builds the HTTP surface. An empty allowedOrigins accepts any
// Origin on the WebSocket handshake.
func NewHandler(hub *Hub, relations RelationStore, messages MessageStore, allowedOrigins []string, log *zap.Logger) *Handler {
	return &Handler{
		hub:       hub,
		relations: relations,
		messages:  messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				return lo.Contains(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		validate: validator.New(),
		log:      log.Named("http"),
	}
}

// Mount registers the authenticated routes. r must already carry the auth
// middleware.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws/chat/{managerID}/{clientID}", h.ServeWs)
	r.Get("/ws/chat/{managerID}/{clientID}/", h.ServeWs)

	r.Get("/api/messages", h.ListMessages)

	r.Route("/api/relations", func(r chi.Router) {
		r.Get("/", h.ListRelations)
		r.Post("/", h.CreateRelation)
		r.Put("/{relationID}", h.UpdateRelation)
		r.Patch("/{relationID}", h.UpdateRelation)
		r.Delete("/{relationID}", h.DeleteRelation)
	})
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	managerID, err1 := strconv.Atoi(chi.URLParam(r, "managerID"))
	clientID, err2 := strconv.Atoi(chi.URLParam(r, "clientID"))
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}
	room := Room{ManagerID: managerID, ClientID: clientID}
	s := h.hub.NewSession(id.ID, room)

	if err := h.hub.Admit(r.Context(), s); err != nil {
		if errors.Is(err, ErrNotParticipant) || errors.Is(err, ErrRelationNotFound) {
			h.log.Info("connection rejected",
				zap.Int("user_id", id.ID), zap.Stringer("room", room), zap.Error(err))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h.log.Error("authorize", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		s.Close()
		return
	}
	h.hub.Attach(s, conn)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())

	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		writeDetail(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxPageSize)
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeDetail(w, http.StatusBadRequest, "invalid offset")
		return
	}

	msgs, err := h.messages.ListForUser(r.Context(), id.ID, limit, offset)
	if err != nil {
		h.internalError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) ListRelations(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())

	rels, err := h.relations.ListForUser(r.Context(), id.ID, id.IsStaff)
	if err != nil {
		h.internalError(w, "list relations", err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	if !id.IsStaff {
		writeDetail(w, http.StatusForbidden, "only a manager can create relations")
		return
	}

	var req CreateRelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "manager_id and client_id are required")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "manager_id and client_id are required")
		return
	}
	if req.ManagerID != id.ID {
		writeDetail(w, http.StatusForbidden, "a manager can only create their own relations")
		return
	}

	rel, err := h.relations.Create(r.Context(), req.ManagerID, req.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, ErrRelationExists):
			writeDetail(w, http.StatusConflict, err.Error())
			return
		}
		h.internalError(w, "create relation", err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *Handler) UpdateRelation(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	if !id.IsStaff {
		writeDetail(w, http.StatusForbidden, "only a manager can change relations")
		return
	}
	rel, ok := h.managedRelation(w, r, id)
	if !ok {
		return
	}

	var req UpdateRelationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeDetail(w, http.StatusBadRequest, "client_id is required")
		return
	}

	updated, err := h.relations.UpdateClient(r.Context(), rel.ID, req.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrRelationNotFound):
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, ErrRelationExists):
			writeDetail(w, http.StatusConflict, err.Error())
			return
		}
		h.internalError(w, "update relation", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteRelation(w http.ResponseWriter, r *http.Request) {
	id, _ := myMiddleware.IdentityFrom(r.Context())
	if !id.IsStaff {
		writeDetail(w, http.StatusForbidden, "only a manager can delete relations")
		return
	}
	rel, ok := h.managedRelation(w, r, id)
	if !ok {
		return
	}

	if err := h.relations.Delete(r.Context(), rel.ID); err != nil {
		if errors.Is(err, ErrRelationNotFound) {
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		}
		h.internalError(w, "delete relation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// managedRelation loads the relation named in the path, hiding relations the
// caller does not manage behind a 404.
func (h *Handler) managedRelation(w http.ResponseWriter, r *http.Request, id myMiddleware.Identity) (*Relationship, bool) {
	relID, err := strconv.Atoi(chi.URLParam(r, "relationID"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, ErrRelationNotFound.Error())
		return nil, false
	}
	rel, err := h.relations.Get(r.Context(), relID)
	if err != nil {
		if errors.Is(err, ErrRelationNotFound) {
			writeDetail(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		h.internalError(w, "get relation", err)
		return nil, false
	}
	if rel.Manager.ID != id.ID {
		writeDetail(w, http.StatusNotFound, ErrRelationNotFound.Error())
		return nil, false
	}
	return rel, true
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.Error(op, zap.Error(err))
	writeDetail(w, http.StatusInternalServerError, "internal error")
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
