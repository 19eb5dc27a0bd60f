package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Session is one connected user. Writes are serialized because a
// websocket.Conn supports a single concurrent writer.
type Session struct {
	UserID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *Session) Send(m Message) error {
	env, err := Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}

// WSRegistry holds at most one live session per user. A new connection
// replaces the previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*Session)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *Session {
	s := &Session{UserID: userID, conn: conn}
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	observability.DriversOnline.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return s
}

// Remove drops s if it is still the user's current session.
func (r *WSRegistry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.UserID]; ok && cur == s {
		delete(r.sessions, s.UserID)
	}
	observability.DriversOnline.Set(float64(len(r.sessions)))
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) PushToUser(_ context.Context, userID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(m)
}

func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	observability.DriversOnline.Set(0)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
