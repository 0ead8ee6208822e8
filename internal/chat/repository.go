package chat

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	foreignKeyViolation = "23503"
	uniqueViolation     = "23505"
)

// mapWriteErr turns constraint violations into domain errors: the user
// foreign keys into ErrUserNotFound, the (manager, client) unique index into
// ErrRelationExists.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case foreignKeyViolation:
		return ErrUserNotFound
	case uniqueViolation:
		return ErrRelationExists
	}
	return err
}

type RelationRepository struct {
	db *sql.DB
}

func NewRelationRepository(db *sql.DB) *RelationRepository {
	return &RelationRepository{db: db}
}

const relationSelect = `
		SELECT r.id,
		       m.id, m.username, m.is_staff,
		       c.id, c.username, c.is_staff
		FROM chat_relations r
		JOIN users m ON m.id = r.manager_id
		JOIN users c ON c.id = r.client_id`

func scanRelation(row interface{ Scan(...any) error }) (*Relationship, error) {
	rel := &Relationship{}
	err := row.Scan(&rel.ID,
		&rel.Manager.ID, &rel.Manager.Username, &rel.Manager.IsStaff,
		&rel.Client.ID, &rel.Client.Username, &rel.Client.IsStaff)
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// Exists reports whether the exact (manager, client) pair is related.
func (r *RelationRepository) Exists(ctx context.Context, managerID, clientID int) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM chat_relations WHERE manager_id = $1 AND client_id = $2)"
	if err := r.db.QueryRowContext(ctx, query, managerID, clientID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListForUser returns the relations a manager runs or a client belongs to.
func (r *RelationRepository) ListForUser(ctx context.Context, userID int, asManager bool) ([]Relationship, error) {
	query := relationSelect + " WHERE r.client_id = $1 ORDER BY r.id"
	if asManager {
		query = relationSelect + " WHERE r.manager_id = $1 ORDER BY r.id"
	}
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	relations := []Relationship{}
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		relations = append(relations, *rel)
	}
	return relations, rows.Err()
}

func (r *RelationRepository) Get(ctx context.Context, id int) (*Relationship, error) {
	rel, err := scanRelation(r.db.QueryRowContext(ctx, relationSelect+" WHERE r.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRelationNotFound
	}
	return rel, err
}

func (r *RelationRepository) Create(ctx context.Context, managerID, clientID int) (*Relationship, error) {
	var id int
	query := "INSERT INTO chat_relations (manager_id, client_id) VALUES ($1, $2) RETURNING id"
	if err := r.db.QueryRowContext(ctx, query, managerID, clientID).Scan(&id); err != nil {
		return nil, mapWriteErr(err)
	}
	return r.Get(ctx, id)
}

// UpdateClient repoints a relation at a different client.
func (r *RelationRepository) UpdateClient(ctx context.Context, id, clientID int) (*Relationship, error) {
	res, err := r.db.ExecContext(ctx, "UPDATE chat_relations SET client_id = $1 WHERE id = $2", clientID, id)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrRelationNotFound
	}
	return r.Get(ctx, id)
}

func (r *RelationRepository) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM chat_relations WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRelationNotFound
	}
	return nil
}

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create appends a message. The row is committed when Create returns.
func (r *MessageRepository) Create(ctx context.Context, senderID, receiverID int, content string) (*ChatMessage, error) {
	msg := &ChatMessage{
		Sender:   UserRef{ID: senderID},
		Receiver: UserRef{ID: receiverID},
		Content:  content,
	}
	query := `
		INSERT INTO chat_messages (sender_id, receiver_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, senderID, receiverID, content).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return msg, nil
}

// ListForUser returns messages the user sent or received, newest first.
func (r *MessageRepository) ListForUser(ctx context.Context, userID, limit, offset int) ([]ChatMessage, error) {
	query := `
		SELECT m.id, m.content, m.created_at,
		       s.id, s.username, s.is_staff,
		       rc.id, rc.username, rc.is_staff
		FROM chat_messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users rc ON rc.id = m.receiver_id
		WHERE m.sender_id = $1 OR m.receiver_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []ChatMessage{}
	for rows.Next() {
		var msg ChatMessage
		err := rows.Scan(&msg.ID, &msg.Content, &msg.Timestamp,
			&msg.Sender.ID, &msg.Sender.Username, &msg.Sender.IsStaff,
			&msg.Receiver.ID, &msg.Receiver.Username, &msg.Receiver.IsStaff)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
