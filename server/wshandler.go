/******************************************************************************
 *
 *  Description :
 *    Websocket transport: connection upgrade plus the per-session read and
 *    write loops.
 *
 *****************************************************************************/
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lattice-db/lattice/server/action"
	"github.com/lattice-db/lattice/server/logs"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Maximum inbound frame size.
	maxMessageSize = 1 << 19 // 512K
)

var errPongMismatch = errors.New("pong payload mismatch")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is not checked: the server is API-only and auth is carried in
	// the frames, not in cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func serveWebSocket(exec *action.Executor) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			wrt.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ws, err := upgrader.Upgrade(wrt, req, nil)
		if err != nil {
			logs.Error.Println("ws: failed to upgrade", err)
			return
		}
		sess := sessions.NewSession(ws, req.RemoteAddr, exec)
		logs.Info.Println("ws: session started", sess.sid, sess.remoteAddr)
	}
}

func (s *Session) readLoop() {
	defer func() {
		s.close()
		s.ws.Close()
	}()

	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetPongHandler(s.handlePong)

	for {
		// A control-handler error surfaces here and ends the session.
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				logs.Warning.Println("ws: read failed", s.sid, err)
			}
			return
		}
		s.touch()
		var req ClientReq
		if err = json.Unmarshal(raw, &req); err != nil {
			s.queueOut(errorFrame(action.ErrMalformed))
			continue
		}
		select {
		case s.inbox <- &req:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) writeLoop() {
	ping := time.NewTicker(heartBeatInterval)
	defer func() {
		ping.Stop()
		s.close()
		s.ws.Close()
	}()

	for {
		select {
		case <-s.stop:
			return
		case resp := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(resp); err != nil {
				logs.Warning.Println("ws: write failed", s.sid, err)
				return
			}
		case <-ping.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteControl(websocket.PingMessage,
				[]byte(pingPayload), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
