package pixles

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
)

// transport-facing outgoing queue for one live connection. Send must never
// block; false means the sink is saturated and the connection should be torn
// down rather than stall the event core.
type Sink interface {
	Send(message []byte) bool
	Close()
}

// transient per-connection state. A session exists only for the lifetime of
// one live connection and is never persisted.
type Session struct {
	ConnectionId Id
	DisplayColor string

	Name     string
	Identity Id
	CursorX  int
	CursorY  int

	// denormalized from the ledger entry at identity-bind time so cursor
	// broadcasts do not need a ledger lookup
	Cosmetics   map[CosmeticKind]bool
	CursorColor string

	sink          Sink
	cursorLimiter *rate.Limiter
}

func (self *Session) Identified() bool {
	return !self.Identity.IsZero()
}

type SessionRegistry struct {
	mutex    sync.Mutex
	sessions map[Id]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: map[Id]*Session{},
	}
}

func (self *SessionRegistry) Join(connectionId Id, sink Sink, cursorLimiter *rate.Limiter) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session := &Session{
		ConnectionId:  connectionId,
		DisplayColor:  RandomDisplayColor(),
		sink:          sink,
		cursorLimiter: cursorLimiter,
	}
	self.sessions[connectionId] = session
	return session
}

func (self *SessionRegistry) Get(connectionId Id) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.sessions[connectionId]
}

func (self *SessionRegistry) BindIdentity(connectionId Id, identity Id, cosmetics map[CosmeticKind]bool, cursorColor string) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[connectionId]
	if !ok {
		return nil
	}
	session.Identity = identity
	session.Cosmetics = maps.Clone(cosmetics)
	session.CursorColor = cursorColor
	return session
}

// last value wins per field. No bounds validation here, the cursor can be
// transiently off-canvas during a drag.
func (self *SessionRegistry) UpdateCursor(connectionId Id, x int, y int, name *string) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[connectionId]
	if !ok {
		return nil
	}
	session.CursorX = x
	session.CursorY = y
	if name != nil {
		session.Name = *name
	}
	return session
}

// idempotent, disconnect signals can double-fire in some transports.
// Returns nil when the session was already gone.
func (self *SessionRegistry) Leave(connectionId Id) *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[connectionId]
	if !ok {
		return nil
	}
	delete(self.sessions, connectionId)
	return session
}

func (self *SessionRegistry) Enumerate() []*Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sessions := make([]*Session, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (self *SessionRegistry) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.sessions)
}
