package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed     = errors.New("session closed")
	ErrSlowConsumer      = errors.New("session send buffer full")
	ErrNotIdentified     = errors.New("session not identified")
	ErrAlreadyIdentified = errors.New("session already identified")
)

// Conn is the part of *websocket.Conn a session needs
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type sessionConfig struct {
	sendBuffer       int
	maxMessageSize   int64
	writeWait        time.Duration
	heartbeatTimeout time.Duration
}

// Session is one live connection. It is created unidentified and gets an
// owner once IDENTIFY succeeds.
type Session struct {
	id         string
	conn       Conn
	send       chan []byte
	final      chan []byte
	token      string
	remoteAddr string
	cfg        sessionConfig
	log        atomic.Pointer[slog.Logger]

	mu     sync.RWMutex
	userID string
	topics map[string]struct{}

	heartbeat *heartbeatMonitor

	ctx         context.Context
	cancel      context.CancelFunc
	closed      atomic.Bool
	terminating atomic.Bool
	closeOnce   sync.Once
}

func newSession(conn Conn, token, remoteAddr string, cfg sessionConfig, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	s := &Session{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, cfg.sendBuffer),
		final:      make(chan []byte, 1),
		token:      token,
		remoteAddr: remoteAddr,
		cfg:        cfg,
		topics:     make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.log.Store(log.With("sessionID", id))
	return s
}

func (s *Session) ID() string {
	return s.id
}

// UserID returns the owning user, or "" before IDENTIFY succeeded
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) setUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.log.Store(s.Logger().With("userID", userID))
}

// Logger returns the session scoped logger
func (s *Session) Logger() *slog.Logger {
	return s.log.Load()
}

// Topics returns a snapshot of the topics the session is subscribed to
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	return topics
}

func (s *Session) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *Session) clearTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topics = make(map[string]struct{})
	return topics
}

// Send queues an already encoded frame. A full buffer closes the session.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() || s.terminating.Load() {
		return ErrSessionClosed
	}

	select {
	case s.send <- data:
		return nil
	default:
		s.Logger().Warn("Send buffer full, closing session")
		s.Close()
		return ErrSlowConsumer
	}
}

func (s *Session) SendFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Terminate sends frame as the last message and closes the connection once
// it is written, or after grace at the latest.
func (s *Session) Terminate(frame Frame, grace time.Duration) {
	if s.closed.Load() || !s.terminating.CompareAndSwap(false, true) {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		s.Logger().Error("Failed to encode final frame", "error", err)
		s.Close()
		return
	}
	s.final <- data

	time.AfterFunc(grace, s.Close)
}

// Close tears the connection down. Safe to call more than once and from any
// goroutine; the read loop notices and runs disconnect handling.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.heartbeat != nil {
			s.heartbeat.stop()
		}
		if err := s.conn.Close(); err != nil {
			s.Logger().Debug("Error closing connection", "error", err)
		}
		s.Logger().Debug("Session closed")
	})
}

func (s *Session) readPump(dispatch func(*Session, Inbound), onClose func(*Session)) {
	defer func() {
		s.Close()
		onClose(s)
	}()

	s.conn.SetReadLimit(s.cfg.maxMessageSize)
	s.Logger().Debug("ReadPump started")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.Logger().Warn("WebSocket error", "error", err)
			} else {
				s.Logger().Debug("WebSocket connection closed", "error", err)
			}
			return
		}
		if s.closed.Load() {
			return
		}

		dispatch(s, DecodeFrame(data))
	}
}

func (s *Session) writePump() {
	defer func() { s.Logger().Debug("WritePump finished") }()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.Logger().Debug("Error writing message", "error", err)
				s.Close()
				return
			}

		case data := <-s.final:
			// flush whatever was queued before the final frame
			for len(s.send) > 0 {
				if err := s.write(<-s.send); err != nil {
					s.Close()
					return
				}
			}
			if err := s.write(data); err != nil {
				s.Logger().Debug("Error writing final frame", "error", err)
			}
			s.Close()
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
