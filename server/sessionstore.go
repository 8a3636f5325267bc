/******************************************************************************
 *
 *  Description :
 *    Store of live sessions.
 *
 *****************************************************************************/
package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lattice-db/lattice/server/action"
)

// SessionStore holds the live sessions of this server instance.
type SessionStore struct {
	lock sync.Mutex
	sess map[string]*Session
}

// NewSessionStore initializes a session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sess: make(map[string]*Session)}
}

// NewSession creates a new session, starts its loops and saves it in the
// store.
func (ss *SessionStore) NewSession(ws *websocket.Conn, remoteAddr string, exec *action.Executor) *Session {
	s := &Session{
		sid:        uuid.NewString(),
		ws:         ws,
		remoteAddr: remoteAddr,
		exec:       exec,
		inbox:      make(chan *ClientReq, 1),
		send:       make(chan ServerResp, sendQueueLimit),
		stop:       make(chan struct{}),
	}
	s.touch()

	ss.lock.Lock()
	ss.sess[s.sid] = s
	ss.lock.Unlock()

	statsInc(statsTotalSessions)
	statsSet(statsLiveSessions, int64(ss.Count()))

	go s.run()
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (ss *SessionStore) delete(s *Session) {
	ss.lock.Lock()
	delete(ss.sess, s.sid)
	ss.lock.Unlock()
	statsSet(statsLiveSessions, int64(ss.Count()))
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return len(ss.sess)
}

// Shutdown terminates every live session.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	live := make([]*Session, 0, len(ss.sess))
	for _, s := range ss.sess {
		live = append(live, s)
	}
	ss.lock.Unlock()

	for _, s := range live {
		s.close()
	}
}

var sessions *SessionStore
