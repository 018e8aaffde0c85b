// Package gateway implements the real-time connection protocol: sessions,
// heartbeats, identify, presence and guild scoped fanout.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
	"chat-gateway/internal/scheduler"
)

// Store is the persistence the gateway reads and writes. Lookups of absent
// rows return (nil, nil).
type Store interface {
	FindAccountByID(ctx context.Context, id string) (*models.Account, error)
	FindGuildMembershipsByUser(ctx context.Context, userID string) ([]models.GuildMember, error)
	UpdateUserStatus(ctx context.Context, userID string, status models.UserStatus) error
	ListInviteCodes(ctx context.Context) ([]models.InviteCode, error)
	FindDeleteSchedule(ctx context.Context, userID string) (*models.AccountDeleteSchedule, error)
	DeleteDeleteSchedule(ctx context.Context, userID string) error
}

type TokenVerifier interface {
	VerifyToken(raw string) *auth.Claims
}

// JobLookup answers whether a deferred job still exists. GetJob returns
// (nil, nil) when it does not.
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (*scheduler.Job, error)
}

// Relay forwards gateway actions to other gateway instances
type Relay interface {
	Forward(ctx context.Context, msg RelayMessage) error
}

const (
	RelayPublish         = "publish"
	RelayCloseUser       = "close_user"
	RelaySubscribeUser   = "subscribe_user"
	RelayUnsubscribeUser = "unsubscribe_user"
)

type RelayMessage struct {
	Kind    string          `json:"kind"`
	Topic   string          `json:"topic,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Deps struct {
	Store     Store
	Tokens    TokenVerifier
	Jobs      JobLookup
	Registry  *Registry
	Bus       *Bus
	Presence  *PresenceTracker
	// Directory is optional; without it presence is decided by this instance
	// alone
	Directory PresenceDirectory
	Logger    *slog.Logger
}

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GraceWindow       time.Duration
	SendBufferSize    int
	MaxMessageSize    int64
	WriteWait         time.Duration
	HandlerTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  75 * time.Second,
		GraceWindow:       100 * time.Millisecond,
		SendBufferSize:    256,
		MaxMessageSize:    4096,
		WriteWait:         10 * time.Second,
		HandlerTimeout:    10 * time.Second,
	}
}

type Gateway struct {
	store      Store
	tokens     TokenVerifier
	jobs       JobLookup
	registry   *Registry
	bus        *Bus
	presence   *PresenceTracker
	directory  PresenceDirectory
	dispatcher *Dispatcher
	relay      Relay
	opts       Options
	log        *slog.Logger

	// base context for handler calls; outlives individual sessions
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup

	// closes that land while an identify is in flight, keyed by user
	closeMu     sync.Mutex
	closeSeq    uint64
	closedAt    map[string]uint64
	identifying int
}

func New(deps Deps, opts Options) *Gateway {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Bus == nil {
		deps.Bus = NewBus(log)
	}
	if deps.Presence == nil {
		deps.Presence = NewPresenceTracker(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		store:      deps.Store,
		tokens:     deps.Tokens,
		jobs:       deps.Jobs,
		registry:   deps.Registry,
		bus:        deps.Bus,
		presence:   deps.Presence,
		directory:  deps.Directory,
		dispatcher: NewDispatcher(log),
		opts:       opts,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[*Session]struct{}),
		closedAt:   make(map[string]uint64),
	}

	g.dispatcher.Handle(OpHeartbeat, g.handleHeartbeat)
	g.dispatcher.Handle(OpIdentify, g.handleIdentify)
	g.dispatcher.Handle(OpUpdatePresence, g.handleUpdatePresence)

	return g
}

// SetRelay installs the cross-instance relay. Call before serving.
func (g *Gateway) SetRelay(r Relay) {
	g.relay = r
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Bus() *Bus { return g.bus }

func (g *Gateway) Presence() *PresenceTracker { return g.presence }

func (g *Gateway) Options() Options { return g.opts }

// Connect starts a session on an upgraded connection: HELLO is sent, the
// heartbeat deadline armed and the read/write loops started. It returns nil
// when the gateway is shutting down.
func (g *Gateway) Connect(conn Conn, token, remoteAddr string) *Session {
	s := newSession(conn, token, remoteAddr, sessionConfig{
		sendBuffer:       g.opts.SendBufferSize,
		maxMessageSize:   g.opts.MaxMessageSize,
		writeWait:        g.opts.WriteWait,
		heartbeatTimeout: g.opts.HeartbeatTimeout,
	}, g.log)
	s.heartbeat = newHeartbeatMonitor(s.cfg.heartbeatTimeout, func() { g.expire(s) })

	if !g.track(s) {
		conn.Close()
		return nil
	}

	s.Logger().Info("Session connected", "remoteAddr", remoteAddr)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		s.writePump()
	}()

	if err := s.SendFrame(helloFrame(g.opts.HeartbeatInterval.Milliseconds())); err != nil {
		s.Logger().Warn("Failed to send HELLO", "error", err)
	}
	s.heartbeat.reset()

	go func() {
		defer g.wg.Done()
		s.readPump(g.dispatch, g.disconnect)
	}()

	return s
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// SessionCount returns the number of open connections, identified or not
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) dispatch(s *Session, frame Inbound) {
	ctx, cancel := g.handlerContext()
	defer cancel()
	g.dispatcher.Dispatch(ctx, s, frame)
}

func (g *Gateway) handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.ctx, g.opts.HandlerTimeout)
}

func (g *Gateway) expire(s *Session) {
	s.Logger().Info("Expected heartbeat but did not receive it, closing session")
	s.Terminate(invalidSessionFrame(true), g.opts.GraceWindow)
}

// FindAccountByToken verifies a raw credential and loads its account. An
// invalid token or an unknown account yields (nil, nil).
func (g *Gateway) FindAccountByToken(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, nil
	}
	claims := g.tokens.VerifyToken(token)
	if claims == nil {
		return nil, nil
	}

	account, err := g.store.FindAccountByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account %s: %w", claims.UserID, err)
	}
	// tokens issued before the last password change are revoked
	if account != nil && account.PasswordVersion != claims.Version {
		return nil, nil
	}
	return account, nil
}

// publish delivers locally, skipping exclude, and forwards to other instances
func (g *Gateway) publish(topic string, frame Frame, exclude *Session) {
	data, err := json.Marshal(frame)
	if err != nil {
		g.log.Error("Failed to encode frame", "topic", topic, "error", err)
		return
	}
	g.bus.PublishRaw(topic, data, exclude)
	g.forward(RelayMessage{Kind: RelayPublish, Topic: topic, Payload: data})
}

func (g *Gateway) forward(msg RelayMessage) {
	if g.relay == nil {
		return
	}
	ctx, cancel := g.handlerContext()
	defer cancel()
	if err := g.relay.Forward(ctx, msg); err != nil {
		g.log.Error("Failed to relay gateway message", "kind", msg.Kind, "topic", msg.Topic, "userID", msg.UserID, "error", err)
	}
}

// PublishToTopic injects an event from outside the connection path
func (g *Gateway) PublishToTopic(topic string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame for topic %s: %w", topic, err)
	}
	delivered := g.bus.PublishRaw(topic, data, nil)
	g.log.Debug("Published to topic", "topic", topic, "event", frame.T, "delivered", delivered)
	g.forward(RelayMessage{Kind: RelayPublish, Topic: topic, Payload: data})
	return nil
}

func (g *Gateway) SubscribeSessionToTopic(s *Session, topic string) bool {
	return g.bus.Subscribe(topic, s)
}

func (g *Gateway) UnsubscribeSessionFromTopic(s *Session, topic string) {
	g.bus.Unsubscribe(topic, s)
}

// SubscribeUserToTopic subscribes every session of the user, e.g. after the
// user joined a guild. It returns the number of local sessions touched.
func (g *Gateway) SubscribeUserToTopic(userID, topic string) int {
	n := g.subscribeUserLocal(userID, topic)
	g.forward(RelayMessage{Kind: RelaySubscribeUser, Topic: topic, UserID: userID})
	return n
}

func (g *Gateway) UnsubscribeUserFromTopic(userID, topic string) int {
	n := g.unsubscribeUserLocal(userID, topic)
	g.forward(RelayMessage{Kind: RelayUnsubscribeUser, Topic: topic, UserID: userID})
	return n
}

func (g *Gateway) subscribeUserLocal(userID, topic string) int {
	n := 0
	for _, s := range g.registry.Sessions(userID) {
		if g.bus.Subscribe(topic, s) {
			n++
		}
	}
	return n
}

func (g *Gateway) unsubscribeUserLocal(userID, topic string) int {
	sessions := g.registry.Sessions(userID)
	for _, s := range sessions {
		g.bus.Unsubscribe(topic, s)
	}
	return len(sessions)
}

// CloseAllSessionsForUser sends INVALID_SESSION(false) to every session of
// the user and closes them
func (g *Gateway) CloseAllSessionsForUser(userID string) int {
	n := g.closeUserLocal(userID)
	g.forward(RelayMessage{Kind: RelayCloseUser, UserID: userID})
	return n
}

func (g *Gateway) closeUserLocal(userID string) int {
	g.markClosed(userID)

	sessions := g.registry.Sessions(userID)
	for _, s := range sessions {
		s.heartbeat.stop()
		s.Terminate(invalidSessionFrame(false), g.opts.GraceWindow)
	}
	if len(sessions) > 0 {
		g.log.Info("Closed all sessions for user", "userID", userID, "sessions", len(sessions))
	}
	return len(sessions)
}

// beginIdentify returns the current close sequence. Every call is paired
// with endIdentify.
func (g *Gateway) beginIdentify() uint64 {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	g.identifying++
	return g.closeSeq
}

func (g *Gateway) endIdentify() {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	g.identifying--
	if g.identifying == 0 {
		clear(g.closedAt)
	}
}

func (g *Gateway) markClosed(userID string) {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	g.closeSeq++
	if g.identifying > 0 {
		g.closedAt[userID] = g.closeSeq
	}
}

// closedSince reports whether the user's sessions were closed after epoch
func (g *Gateway) closedSince(userID string, epoch uint64) bool {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	return g.closedAt[userID] > epoch
}

// ApplyRelayed executes a message received from another instance on the
// local sessions only
func (g *Gateway) ApplyRelayed(msg RelayMessage) {
	switch msg.Kind {
	case RelayPublish:
		g.bus.PublishRaw(msg.Topic, msg.Payload, nil)
	case RelayCloseUser:
		g.closeUserLocal(msg.UserID)
	case RelaySubscribeUser:
		g.subscribeUserLocal(msg.UserID, msg.Topic)
	case RelayUnsubscribeUser:
		g.unsubscribeUserLocal(msg.UserID, msg.Topic)
	default:
		g.log.Warn("Unknown relay message", "kind", msg.Kind)
	}
}

// UserPresence returns the user's status and local session count. A user
// with no session here is looked up in the directory.
func (g *Gateway) UserPresence(userID string) (models.UserStatus, int) {
	n := g.registry.Count(userID)
	if n > 0 || g.directory == nil {
		return g.presence.Get(userID), n
	}

	ctx, cancel := g.handlerContext()
	defer cancel()
	statuses, err := g.directory.Statuses(ctx, []string{userID})
	if err != nil {
		g.log.Error("Failed to read presence directory", "userID", userID, "error", err)
		return models.StatusUnavailable, 0
	}
	if status, ok := statuses[userID]; ok {
		return status, 0
	}
	return models.StatusUnavailable, 0
}

func (g *Gateway) joinDirectory(ctx context.Context, s *Session, userID string, status models.UserStatus) {
	if g.directory == nil {
		return
	}
	if err := g.directory.Join(ctx, userID, status); err != nil {
		s.Logger().Error("Failed to record presence in directory", "status", status, "error", err)
	}
}

// leaveDirectory returns how many other instances still hold the user. A
// directory failure counts as none.
func (g *Gateway) leaveDirectory(ctx context.Context, s *Session, userID string) int64 {
	if g.directory == nil {
		return 0
	}
	remaining, err := g.directory.Leave(ctx, userID)
	if err != nil {
		s.Logger().Error("Failed to drop presence from directory", "error", err)
		return 0
	}
	return remaining
}

// Shutdown closes every session and waits for their loops to finish
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	g.log.Info("Shutting down gateway", "sessions", len(sessions))
	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.log.Warn("Timeout waiting for sessions to finish")
		return ctx.Err()
	}
}
