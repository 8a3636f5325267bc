// Definition of the wire protocol shared by the websocket and HTTP
// transports.
package main

import (
	"encoding/json"

	"github.com/lattice-db/lattice/server/action"
	t "github.com/lattice-db/lattice/server/store/types"
)

// ClientReq is one inbound frame. The Action tag selects the handler; the
// remaining fields are populated per action.
type ClientReq struct {
	// One of "authenticate", "call", "subscribeTo", "unsubscribeFrom",
	// "listSubscribers".
	Action string `json:"action"`
	// Bearer token, for "authenticate".
	Token string `json:"token,omitempty"`
	// Procedure name, for "call".
	Procedure string `json:"procedure,omitempty"`
	// Procedure-specific parameters, for "call".
	Params json.RawMessage `json:"params,omitempty"`
	// Procedure-specific payload, for "call".
	Data json.RawMessage `json:"data,omitempty"`
	// Target channel, for the subscription frames.
	Channel *t.Channel `json:"channel,omitempty"`
}

// ServerResp is one outbound frame: either a tagged result or an error.
type ServerResp struct {
	Action string `json:"action,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	// Reply to a frame whose action tag is not recognized.
	errUnknownAction = "Did not understand action"
	// Reply to a call of a procedure that does not exist.
	errUnknownProcedure = "Did not understand procedure"
	// Reply to a rejected authenticate frame.
	errInvalidToken = "Invalid token"
	// Reply to subscription frames from an anonymous session.
	errNotLoggedIn = "Not logged in"
)

func resultFrame(res *action.Result) ServerResp {
	return ServerResp{Action: res.Action, Data: res.Data}
}

func errorFrame(err error) ServerResp {
	return ServerResp{Error: err.Error()}
}

// messageFrame wraps one mailbox message delivered by the session poll,
// tagged with the action of the poll result that produced it.
func messageFrame(name string, msg t.Message) ServerResp {
	return ServerResp{Action: name, Data: msg}
}
