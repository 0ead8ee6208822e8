package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	myMiddleware "relaychat/internal/middleware"
)

// memRelations is an in-memory RelationStore.
type memRelations struct {
	mu     sync.Mutex
	nextID int
	rels   map[int]*Relationship
	users  map[int]UserRef
}

func newMemRelations(users ...UserRef) *memRelations {
	m := &memRelations{rels: make(map[int]*Relationship), users: make(map[int]UserRef)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memRelations) add(managerID, clientID int) *Relationship {
	rel, err := m.Create(context.Background(), managerID, clientID)
	if err != nil {
		panic(err)
	}
	return rel
}

func (m *memRelations) Exists(_ context.Context, managerID, clientID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists(managerID, clientID), nil
}

func (m *memRelations) exists(managerID, clientID int) bool {
	for _, rel := range m.rels {
		if rel.Manager.ID == managerID && rel.Client.ID == clientID {
			return true
		}
	}
	return false
}

func (m *memRelations) ListForUser(_ context.Context, userID int, asManager bool) ([]Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Relationship{}
	for id := 1; id <= m.nextID; id++ {
		rel, ok := m.rels[id]
		if !ok {
			continue
		}
		if (asManager && rel.Manager.ID == userID) || (!asManager && rel.Client.ID == userID) {
			out = append(out, *rel)
		}
	}
	return out, nil
}

func (m *memRelations) Get(_ context.Context, id int) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.rels[id]
	if !ok {
		return nil, ErrRelationNotFound
	}
	cp := *rel
	return &cp, nil
}

func (m *memRelations) Create(_ context.Context, managerID, clientID int) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mgr, ok1 := m.users[managerID]
	cl, ok2 := m.users[clientID]
	if !ok1 || !ok2 {
		return nil, ErrUserNotFound
	}
	if m.exists(managerID, clientID) {
		return nil, ErrRelationExists
	}
	m.nextID++
	rel := &Relationship{ID: m.nextID, Manager: mgr, Client: cl}
	m.rels[rel.ID] = rel
	cp := *rel
	return &cp, nil
}

func (m *memRelations) UpdateClient(_ context.Context, id, clientID int) (*Relationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.rels[id]
	if !ok {
		return nil, ErrRelationNotFound
	}
	cl, ok := m.users[clientID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if rel.Client.ID != clientID && m.exists(rel.Manager.ID, clientID) {
		return nil, ErrRelationExists
	}
	rel.Client = cl
	cp := *rel
	return &cp, nil
}

func (m *memRelations) Delete(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rels[id]; !ok {
		return ErrRelationNotFound
	}
	delete(m.rels, id)
	return nil
}

// memMessages is an in-memory MessageStore. Setting fail makes Create error.
type memMessages struct {
	mu   sync.Mutex
	msgs []ChatMessage
	fail error
	// onCreate runs after a successful append, still inside Create.
	onCreate func(ChatMessage)
}

func (m *memMessages) Create(_ context.Context, senderID, receiverID int, content string) (*ChatMessage, error) {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return nil, err
	}
	msg := ChatMessage{
		ID:        len(m.msgs) + 1,
		Sender:    UserRef{ID: senderID},
		Receiver:  UserRef{ID: receiverID},
		Content:   content,
		Timestamp: time.Now(),
	}
	m.msgs = append(m.msgs, msg)
	hook := m.onCreate
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return &msg, nil
}

func (m *memMessages) ListForUser(_ context.Context, userID, limit, offset int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ChatMessage{}
	for i := len(m.msgs) - 1; i >= 0; i-- {
		msg := m.msgs[i]
		if msg.Sender.ID == userID || msg.Receiver.ID == userID {
			out = append(out, msg)
		}
	}
	if offset >= len(out) {
		return []ChatMessage{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMessages) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memMessages) all() []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatMessage(nil), m.msgs...)
}

// tokenValidator accepts tokens of the form "u<id>" or "staff<id>".
type tokenValidator struct{}

func (tokenValidator) ValidateToken(token string) (myMiddleware.Identity, error) {
	staff := strings.HasPrefix(token, "staff")
	raw := strings.TrimPrefix(strings.TrimPrefix(token, "staff"), "u")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return myMiddleware.Identity{}, errors.New("bad token")
	}
	return myMiddleware.Identity{ID: id, Username: token, IsStaff: staff}, nil
}

func userToken(id int) string  { return fmt.Sprintf("u%d", id) }
func staffToken(id int) string { return fmt.Sprintf("staff%d", id) }

type testEnv struct {
	server    *httptest.Server
	registry  *Registry
	hub       *Hub
	relations *memRelations
	messages  *memMessages
}

func newTestEnv(t *testing.T, relations *memRelations) *testEnv {
	t.Helper()
	log := zap.NewNop()
	env := &testEnv{
		registry:  NewRegistry(log),
		relations: relations,
		messages:  &memMessages{},
	}
	env.hub = NewHub(env.registry, NewDispatcher(env.registry, log), relations, env.messages, HubConfig{
		SendBuffer:     16,
		MaxMessageSize: 4096,
		PersistTimeout: time.Second,
	}, log)

	h := NewHandler(env.hub, relations, env.messages, nil, log)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(tokenValidator{}).Handle)
		h.Mount(r)
	})
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, token string, managerID, clientID int) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/chat/%d/%d/?token=%s",
		strings.TrimPrefix(e.server.URL, "http"), managerID, clientID, token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// connect dials and waits until the session has joined its groups.
func (e *testEnv) connect(t *testing.T, userID, managerID, clientID int) *websocket.Conn {
	t.Helper()
	roomBefore := e.registry.Members(RoomKey(managerID, clientID))
	userBefore := e.registry.Members(UserKey(userID))
	conn, _, err := e.dial(t, userToken(userID), managerID, clientID)
	require.NoError(t, err)
	e.waitMembers(t, RoomKey(managerID, clientID), roomBefore+1)
	e.waitMembers(t, UserKey(userID), userBefore+1)
	return conn
}

func (e *testEnv) waitMembers(t *testing.T, key GroupKey, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.registry.Members(key) == n
	}, 2*time.Second, 5*time.Millisecond, "group %s never reached %d members", key, n)
}

func send(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"message": message}))
}

type frame struct {
	Type         string `json:"type"`
	Notification bool   `json:"notification"`
	SenderID     int    `json:"sender_id"`
	Message      string `json:"message"`
	Error        string `json:"error"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func readFrames(t *testing.T, conn *websocket.Conn, n int) []frame {
	t.Helper()
	out := make([]frame, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, readFrame(t, conn))
	}
	return out
}

// expectSilence asserts nothing arrives within window. The connection is not
// usable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// recorder is a Subscriber that keeps every payload.
type recorder struct {
	id  string
	mu  sync.Mutex
	got [][]byte
	err error
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, payload)
	return nil
}

func (r *recorder) payloads() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.got...)
}

// testContext returns a context canceled when the test finishes (stand-in for
// testing.T.Context, which needs Go 1.24).
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
