package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
	"chat-gateway/internal/scheduler"
	"chat-gateway/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-token-secret"

var errConnClosed = errors.New("use of closed network connection")

// mockConn is an in-memory Conn. Frames pushed by the test are read by the
// session; frames written by the session are recorded.
type mockConn struct {
	incoming  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{
		incoming: make(chan []byte, 64),
		closeCh:  make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.incoming:
		return websocket.TextMessage, data, nil
	case <-m.closeCh:
		return 0, nil, errConnClosed
	}
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errConnClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

func (m *mockConn) SetReadLimit(int64) {}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) push(raw string) {
	m.incoming <- []byte(raw)
}

type wireFrame struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
}

func (m *mockConn) frames() []wireFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]wireFrame, 0, len(m.written))
	for _, data := range m.written {
		var f wireFrame
		if err := json.Unmarshal(data, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (m *mockConn) count(match func(wireFrame) bool) int {
	n := 0
	for _, f := range m.frames() {
		if match(f) {
			n++
		}
	}
	return n
}

// waitFrame waits for the n-th (1-based) frame matching and returns it
func (m *mockConn) waitFrame(t *testing.T, n int, match func(wireFrame) bool) wireFrame {
	t.Helper()
	var found wireFrame
	require.Eventually(t, func() bool {
		seen := 0
		for _, f := range m.frames() {
			if match(f) {
				seen++
				if seen == n {
					found = f
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func isOp(op Opcode) func(wireFrame) bool {
	return func(f wireFrame) bool { return f.Op == op }
}

func isEvent(event string) func(wireFrame) bool {
	return func(f wireFrame) bool { return f.Op == OpDispatch && f.T == event }
}

func isPresence(userID string, status models.UserStatus) func(wireFrame) bool {
	return func(f wireFrame) bool {
		if f.Op != OpDispatch || f.T != EventPresenceUpdate {
			return false
		}
		var p PresenceUpdatePayload
		return json.Unmarshal(f.D, &p) == nil && p.UserID == userID && p.Status == status
	}
}

func presencesFor(userID string) func(wireFrame) bool {
	return func(f wireFrame) bool {
		if f.Op != OpDispatch || f.T != EventPresenceUpdate {
			return false
		}
		var p PresenceUpdatePayload
		return json.Unmarshal(f.D, &p) == nil && p.UserID == userID
	}
}

// sync sends a heartbeat and waits for its ACK. Every handler queued before it
// on the same session has then finished, and every frame queued for the
// session before the ACK has been written.
func (m *mockConn) sync(t *testing.T) {
	t.Helper()
	before := m.count(isOp(OpHeartbeatAck))
	m.push(`{"op":1}`)
	m.waitFrame(t, before+1, isOp(OpHeartbeatAck))
}

// fakeStore keeps users, accounts and guild memberships in memory
type fakeStore struct {
	mu            sync.Mutex
	accounts      map[string]*models.Account
	guilds        map[string]*models.Guild
	members       map[string][]string // guildID -> userIDs
	inviteCodes   []models.InviteCode
	schedules     map[string]*models.AccountDeleteSchedule
	statusUpdates int
	membershipErr error
	accountErr    error
	onFindAccount func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[string]*models.Account),
		guilds:    make(map[string]*models.Guild),
		members:   make(map[string][]string),
		schedules: make(map[string]*models.AccountDeleteSchedule),
	}
}

func (f *fakeStore) addUser(id string, status models.UserStatus, flags int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = &models.Account{
		ID:     id,
		Email:  id + "@example.com",
		UserID: id,
		Locale: "en_us",
		User: models.User{
			ID:       id,
			Username: "user-" + id,
			Tag:      "0001",
			Status:   status,
			Flags:    flags,
		},
	}
}

func (f *fakeStore) addGuild(id string, userIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guilds[id] = &models.Guild{ID: id, Name: "guild-" + id, OwnerID: userIDs[0]}
	f.members[id] = append(f.members[id], userIDs...)
}

func (f *fakeStore) setBot(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id].User.Bot = true
}

func (f *fakeStore) status(id string) models.UserStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id].User.Status
}

func (f *fakeStore) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusUpdates
}

// beforeFindAccount runs fn, outside the store lock, at the start of every
// account lookup
func (f *fakeStore) beforeFindAccount(fn func(id string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFindAccount = fn
}

func (f *fakeStore) FindAccountByID(_ context.Context, id string) (*models.Account, error) {
	f.mu.Lock()
	hook := f.onFindAccount
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	acc, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeStore) FindGuildMembershipsByUser(_ context.Context, userID string) ([]models.GuildMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}

	var out []models.GuildMember
	for guildID, userIDs := range f.members {
		if !contains(userIDs, userID) {
			continue
		}
		guild := *f.guilds[guildID]
		guild.Members = nil
		for _, id := range userIDs {
			u := f.accounts[id].User
			guild.Members = append(guild.Members, models.GuildMember{GuildID: guildID, UserID: id, User: &u})
		}
		out = append(out, models.GuildMember{GuildID: guildID, UserID: userID, Guild: &guild})
	}
	return out, nil
}

func (f *fakeStore) UpdateUserStatus(_ context.Context, userID string, status models.UserStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[userID].User.Status = status
	f.statusUpdates++
	return nil
}

func (f *fakeStore) ListInviteCodes(context.Context) ([]models.InviteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InviteCode(nil), f.inviteCodes...), nil
}

func (f *fakeStore) FindDeleteSchedule(_ context.Context, userID string) (*models.AccountDeleteSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules[userID], nil
}

func (f *fakeStore) DeleteDeleteSchedule(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.schedules, userID)
	return nil
}

func (f *fakeStore) hasSchedule(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.schedules[userID]
	return ok
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*scheduler.Job
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*scheduler.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id], nil
}

type testGateway struct {
	*Gateway
	store  *fakeStore
	jobs   *fakeJobs
	tokens *auth.TokenService
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HandlerTimeout = 2 * time.Second
	opts.GraceWindow = 20 * time.Millisecond
	return opts
}

func newTestGateway(t *testing.T, opts Options, configure ...func(*Deps)) *testGateway {
	t.Helper()

	store := newFakeStore()
	jobs := &fakeJobs{jobs: make(map[string]*scheduler.Job)}
	tokens := auth.NewTokenService(testSecret)

	deps := Deps{
		Store:  store,
		Tokens: tokens,
		Jobs:   jobs,
		Logger: logger.Discard(),
	}
	for _, fn := range configure {
		fn(&deps)
	}
	gw := New(deps, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	})

	return &testGateway{Gateway: gw, store: store, jobs: jobs, tokens: tokens}
}

func withDirectory(d PresenceDirectory) func(*Deps) {
	return func(deps *Deps) { deps.Directory = d }
}

func (tg *testGateway) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := tg.tokens.GenerateToken(userID, 0)
	require.NoError(t, err)
	return token
}

// connect opens a session and waits for HELLO
func (tg *testGateway) connect(t *testing.T, token string) (*Session, *mockConn) {
	t.Helper()
	conn := newMockConn()
	s := tg.Connect(conn, token, "127.0.0.1:1234")
	require.NotNil(t, s)
	conn.waitFrame(t, 1, isOp(OpHello))
	return s, conn
}

// identify connects as userID and waits for READY
func (tg *testGateway) identify(t *testing.T, userID string) (*Session, *mockConn, ReadyPayload) {
	t.Helper()
	s, conn := tg.connect(t, tg.token(t, userID))
	conn.push(`{"op":2}`)
	f := conn.waitFrame(t, 1, isEvent(EventReady))

	var ready ReadyPayload
	require.NoError(t, json.Unmarshal(f.D, &ready))
	return s, conn, ready
}
