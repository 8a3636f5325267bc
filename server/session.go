/******************************************************************************
 *
 *  Description :
 *    Handling of streaming sessions. A session is the server side of a
 *    single websocket connection: it authenticates the peer, runs procedure
 *    calls one at a time, and polls the durable mailbox for messages on the
 *    channels the principal is subscribed to.
 *
 *****************************************************************************/
package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lattice-db/lattice/server/action"
	"github.com/lattice-db/lattice/server/logs"
	t "github.com/lattice-db/lattice/server/store/types"
)

const (
	// Interval between websocket pings and liveness checks.
	heartBeatInterval = 60 * time.Second
	// A session silent for this long is presumed dead and closed.
	deadSessionTimeout = 600 * time.Second
	// Ping payload. The pong must echo it back.
	pingPayload = "Hello"

	// Mailbox poll cadence.
	pollInterval = 500 * time.Millisecond
	// Poll windows end slightly in the past so a commit with sentAt equal
	// to the window edge is picked up by the next poll, not lost.
	pollLag = 50 * time.Microsecond

	// Outbound frames buffered per session before the connection is
	// declared stuck.
	sendQueueLimit = 128
)

// Session is the server side of one streaming connection.
type Session struct {
	// Session ID.
	sid string
	// Websocket connection.
	ws *websocket.Conn
	// IP address of the client.
	remoteAddr string

	exec *action.Executor

	// Inbound frames from the read loop.
	inbox chan *ClientReq
	// Outbound frames to the write loop.
	send chan ServerResp
	// Closed to terminate all three session goroutines.
	stop     chan struct{}
	stopOnce sync.Once

	// Bearer token and principal of the authenticated peer. Accessed from
	// the session loop only.
	token string
	user  *action.Principal
	// Start of the next mailbox poll window.
	lastPoll time.Time

	// Unix nanoseconds of the last inbound frame or pong.
	lastTouched atomic.Int64
}

func (s *Session) touch() {
	s.lastTouched.Store(time.Now().UnixNano())
}

func (s *Session) sinceLastTouched() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastTouched.Load())
}

// handlePong processes a heartbeat reply. The pong must echo the ping
// payload; anything else is a protocol violation that ends the connection.
func (s *Session) handlePong(payload string) error {
	if payload != pingPayload {
		return errPongMismatch
	}
	s.touch()
	return nil
}

// queueOut sends a frame to the client. A full queue means the client is not
// reading; the session is terminated.
func (s *Session) queueOut(resp ServerResp) {
	select {
	case s.send <- resp:
	case <-s.stop:
	default:
		logs.Warning.Println("session: outbound queue full, closing", s.sid)
		s.close()
	}
}

func (s *Session) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// run is the session loop. Frames are handled strictly one at a time: a
// procedure call blocks the loop until its action completes, so a session
// never has more than one outstanding action.
func (s *Session) run() {
	heartBeat := time.NewTicker(heartBeatInterval)
	poll := time.NewTicker(pollInterval)
	defer func() {
		heartBeat.Stop()
		poll.Stop()
		s.cleanup()
	}()

	s.lastPoll = time.Now().Add(-pollLag)

	for {
		select {
		case <-s.stop:
			return
		case req := <-s.inbox:
			s.dispatch(req)
		case <-heartBeat.C:
			if s.sinceLastTouched() > deadSessionTimeout {
				logs.Info.Println("session: dead, closing", s.sid)
				s.close()
				return
			}
		case <-poll.C:
			s.poll()
		}
	}
}

func (s *Session) dispatch(req *ClientReq) {
	switch req.Action {
	case "authenticate":
		s.authenticate(req.Token)
	case "call":
		s.call(req)
	case "subscribeTo":
		s.subscription(req, true)
	case "unsubscribeFrom":
		s.subscription(req, false)
	case "listSubscribers":
		s.listSubscribers(req)
	default:
		s.queueOut(ServerResp{Error: errUnknownAction})
	}
}

func (s *Session) authenticate(token string) {
	user := s.exec.Principal(token)
	if user == nil {
		s.queueOut(ServerResp{Error: errInvalidToken})
		return
	}
	s.token = token
	s.user = user
	s.queueOut(ServerResp{Action: "authenticate", Data: t.User{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
	}})
}

// submit runs one action to completion on behalf of this session. Calls
// carry no deadline of their own; the worker pool is the backpressure
// mechanism and storage drivers enforce their own timeouts.
func (s *Session) submit(a action.Action) (*action.Result, error) {
	resp := <-s.exec.Submit(context.Background(), a, s.token)
	statsInc(statsActionsExecuted)
	return resp.Result, resp.Err
}

func (s *Session) username() string {
	if s.user == nil {
		return ""
	}
	return s.user.Username
}

func (s *Session) call(req *ClientReq) {
	a, err := buildProcedure(req.Procedure, procArgs{
		Params:   req.Params,
		Data:     req.Data,
		Username: s.username(),
	})
	if err != nil {
		s.queueOut(errorFrame(err))
		return
	}
	res, err := s.submit(a)
	if err != nil {
		s.queueOut(errorFrame(err))
		return
	}
	if req.Procedure == "logout" {
		s.token = ""
		s.user = nil
	}
	s.queueOut(resultFrame(res))
}

func (s *Session) subscription(req *ClientReq, subscribe bool) {
	if s.user == nil {
		s.queueOut(ServerResp{Error: errNotLoggedIn})
		return
	}
	if req.Channel == nil {
		s.queueOut(errorFrame(action.ErrMalformed))
		return
	}
	var a action.Action
	if subscribe {
		a = action.SubscribeTo(*req.Channel, s.user.Username)
	} else {
		a = action.UnsubscribeFrom(*req.Channel, s.user.Username)
	}
	res, err := s.submit(a)
	if err != nil {
		s.queueOut(errorFrame(err))
		return
	}
	s.queueOut(resultFrame(res))
}

func (s *Session) listSubscribers(req *ClientReq) {
	if req.Channel == nil {
		s.queueOut(errorFrame(action.ErrMalformed))
		return
	}
	res, err := s.submit(action.GetSubscribers(*req.Channel))
	if err != nil {
		s.queueOut(errorFrame(err))
		return
	}
	s.queueOut(resultFrame(res))
}

// poll drains the mailbox window [lastPoll, now-pollLag). The window always
// advances, including on errors and for anonymous sessions: messages sent
// while unauthenticated or failed over are not replayed.
func (s *Session) poll() {
	end := time.Now().Add(-pollLag)
	if !end.After(s.lastPoll) {
		return
	}
	start := s.lastPoll
	s.lastPoll = end
	if s.user == nil {
		return
	}

	res, err := s.submit(action.GetMessages(start, end))
	if err != nil {
		logs.Warning.Println("session: mailbox poll failed", s.sid, err)
		return
	}
	data, ok := res.Data.(action.MessagesResult)
	if !ok {
		return
	}
	for _, msg := range data.Messages {
		statsInc(statsMessagesDelivered)
		s.queueOut(messageFrame(res.Action, msg))
	}
}

// cleanup drops the durable subscriptions of the principal when the
// connection goes away.
func (s *Session) cleanup() {
	if s.user != nil {
		if _, err := s.submit(action.UnsubscribeAll()); err != nil {
			logs.Warning.Println("session: cleanup failed", s.sid, err)
		}
	}
	sessions.delete(s)
}
