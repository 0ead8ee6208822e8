package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type broadcasterFunc func(ctx context.Context, key GroupKey, payload []byte) error

func (f broadcasterFunc) Broadcast(ctx context.Context, key GroupKey, payload []byte) error {
	return f(ctx, key, payload)
}

var testHubConfig = HubConfig{SendBuffer: 4, MaxMessageSize: 4096, PersistTimeout: time.Second}

// detachedSession is a session with no connection behind it, for driving
// receive directly.
func detachedSession(h *Hub, userID int, room Room) *Session {
	return &Session{
		id:     "detached",
		userID: userID,
		room:   room,
		groups: room.GroupsFor(userID),
		hub:    h,
		send:   make(chan []byte, 4),
		log:    zap.NewNop(),
	}
}

func queued(s *Session) []string {
	var out []string
	for {
		select {
		case p := <-s.send:
			out = append(out, string(p))
		default:
			return out
		}
	}
}

func TestAuthorize(t *testing.T) {
	rels := newMemRelations(UserRef{ID: 1}, UserRef{ID: 2}, UserRef{ID: 3})
	rels.add(1, 2)
	hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(broadcasterFunc(nil), zap.NewNop()), rels, &memMessages{}, testHubConfig, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  int
		room    Room
		wantErr error
	}{
		{"manager", 1, Room{1, 2}, nil},
		{"client", 2, Room{1, 2}, nil},
		{"third party", 3, Room{1, 2}, ErrNotParticipant},
		{"party without relation", 1, Room{1, 3}, ErrRelationNotFound},
		{"reversed roles", 2, Room{2, 1}, ErrRelationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := hub.Authorize(ctx, tt.userID, tt.room)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

type failingChecker struct{}

func (failingChecker) Exists(context.Context, int, int) (bool, error) {
	return false, errors.New("db down")
}

func TestAuthorizeStoreError(t *testing.T) {
	hub := NewHub(NewRegistry(zap.NewNop()), nil, failingChecker{}, &memMessages{}, testHubConfig, zap.NewNop())
	err := hub.Authorize(context.Background(), 1, Room{1, 2})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotParticipant)
	require.NotErrorIs(t, err, ErrRelationNotFound)
}

func TestReceivePersistsBeforeBroadcast(t *testing.T) {
	req := require.New(t)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	msgs := &memMessages{onCreate: func(ChatMessage) { record("persist") }}
	bus := broadcasterFunc(func(_ context.Context, key GroupKey, _ []byte) error {
		record("broadcast " + string(key))
		return nil
	})
	hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(bus, zap.NewNop()), newMemRelations(), msgs, testHubConfig, zap.NewNop())
	s := detachedSession(hub, 2, Room{ManagerID: 2, ClientID: 5})

	req.NoError(hub.receive(s, []byte(`{"message":"hi"}`)))
	req.Equal([]string{"persist", "broadcast room:2:5", "broadcast user:5"}, order)

	stored := msgs.all()
	req.Len(stored, 1)
	req.Equal(2, stored[0].Sender.ID)
	req.Equal(5, stored[0].Receiver.ID)
	req.Equal("hi", stored[0].Content)
	req.Empty(queued(s))
}

func TestReceiveSlowPersistStillFansOut(t *testing.T) {
	req := require.New(t)
	cfg := testHubConfig
	cfg.PersistTimeout = 50 * time.Millisecond

	// The save succeeds only after its whole budget is spent.
	msgs := &memMessages{onCreate: func(ChatMessage) { time.Sleep(2 * cfg.PersistTimeout) }}
	reg := NewRegistry(zap.NewNop())
	hub := NewHub(reg, NewDispatcher(reg, zap.NewNop()), newMemRelations(), msgs, cfg, zap.NewNop())

	sender := detachedSession(hub, 2, Room{2, 5})
	receiver := detachedSession(hub, 5, Room{2, 5})
	for _, s := range []*Session{sender, receiver} {
		for _, k := range s.groups {
			reg.Join(k, s)
		}
	}

	req.NoError(hub.receive(sender, []byte(`{"message":"late but saved"}`)))
	req.Len(queued(sender), 1)
	req.Len(queued(receiver), 2)
}

func TestReceiveClientSenderTargetsManager(t *testing.T) {
	req := require.New(t)
	bus := &busRecorder{}
	msgs := &memMessages{}
	hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(bus, zap.NewNop()), newMemRelations(), msgs, testHubConfig, zap.NewNop())
	s := detachedSession(hub, 5, Room{ManagerID: 2, ClientID: 5})

	req.NoError(hub.receive(s, []byte(`{"message":"hello manager"}`)))
	req.Equal(2, msgs.all()[0].Receiver.ID)
	req.Equal(GroupKey("user:2"), bus.sent[1].key)
}

func TestReceiveEmptyMessage(t *testing.T) {
	for _, raw := range []string{`{"message":""}`, `{}`, `null`, `{"message":null}`} {
		t.Run(raw, func(t *testing.T) {
			req := require.New(t)
			bus := &busRecorder{}
			msgs := &memMessages{}
			hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(bus, zap.NewNop()), newMemRelations(), msgs, testHubConfig, zap.NewNop())
			s := detachedSession(hub, 2, Room{2, 5})

			req.NoError(hub.receive(s, []byte(raw)))
			req.Equal([]string{`{"error":"message cannot be empty"}`}, queued(s))
			req.Empty(msgs.all())
			req.Empty(bus.sent)
		})
	}
}

func TestReceiveMalformedFrame(t *testing.T) {
	for _, raw := range []string{`hi`, `{"message":`, `{"message":5}`, `["hi"]`, `"hi"`} {
		t.Run(raw, func(t *testing.T) {
			req := require.New(t)
			bus := &busRecorder{}
			msgs := &memMessages{}
			hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(bus, zap.NewNop()), newMemRelations(), msgs, testHubConfig, zap.NewNop())
			s := detachedSession(hub, 2, Room{2, 5})

			err := hub.receive(s, []byte(raw))
			req.ErrorIs(err, errProtocol)
			req.Empty(queued(s))
			req.Empty(msgs.all())
			req.Empty(bus.sent)
		})
	}
}

func TestReceivePersistenceFailure(t *testing.T) {
	req := require.New(t)
	bus := &busRecorder{}
	msgs := &memMessages{fail: errors.New("store unavailable")}
	hub := NewHub(NewRegistry(zap.NewNop()), NewDispatcher(bus, zap.NewNop()), newMemRelations(), msgs, testHubConfig, zap.NewNop())
	s := detachedSession(hub, 2, Room{2, 5})

	req.NoError(hub.receive(s, []byte(`{"message":"hi"}`)))
	req.Equal([]string{`{"error":"message could not be saved"}`}, queued(s))
	req.Empty(bus.sent)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry(zap.NewNop())
	hub := NewHub(reg, nil, newMemRelations(), &memMessages{}, testHubConfig, zap.NewNop())
	s := detachedSession(hub, 2, Room{2, 5})
	for _, k := range s.groups {
		reg.Join(k, s)
	}
	s.state.Store(int32(StateActive))

	s.Close()
	s.Close()
	req.Equal(StateClosed, s.State())
	req.Zero(reg.Members("room:2:5"))
	req.Zero(reg.Members("user:2"))
	req.ErrorIs(s.Deliver([]byte("late")), ErrSessionClosed)
}

func TestErrorFrameShape(t *testing.T) {
	data, err := json.Marshal(errorFrame{Error: errEmptyMessage})
	require.NoError(t, err)
	require.JSONEq(t, `{"error":"message cannot be empty"}`, string(data))
}
