// HTTP transport: one-shot procedure calls without a streaming session.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lattice-db/lattice/server/action"
	"github.com/lattice-db/lattice/server/auth"
)

// Deadline on a one-shot HTTP call. Streaming sessions impose none.
const callTimeout = 30 * time.Second

// callRequest is the body of a POST /v0/call/{procedure} request.
type callRequest struct {
	Params json.RawMessage `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func serveProcedureCall(exec *action.Executor, prefix string) http.HandlerFunc {
	return func(wrt http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			wrt.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		procedure := strings.TrimPrefix(req.URL.Path, prefix)
		if procedure == "" || strings.Contains(procedure, "/") {
			writeJSON(wrt, http.StatusNotFound, ServerResp{Error: errUnknownProcedure})
			return
		}

		var body callRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(wrt, http.StatusBadRequest, errorFrame(action.ErrMalformed))
			return
		}

		token := auth.ParseBearer(req.Header.Get("Authorization"))
		var username string
		if user := exec.Principal(token); user != nil {
			username = user.Username
		}

		a, err := buildProcedure(procedure, procArgs{
			Params:   body.Params,
			Data:     body.Data,
			Username: username,
		})
		if err == errBadProcedure {
			writeJSON(wrt, http.StatusNotFound, ServerResp{Error: errUnknownProcedure})
			return
		}
		if err != nil {
			writeJSON(wrt, http.StatusBadRequest, errorFrame(err))
			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), callTimeout)
		defer cancel()
		resp := <-exec.Submit(ctx, a, token)
		statsInc(statsActionsExecuted)
		if resp.Err != nil {
			writeJSON(wrt, statusOf(resp.Err), errorFrame(resp.Err))
			return
		}
		writeJSON(wrt, http.StatusOK, resultFrame(resp.Result))
	}
}

func statusOf(err error) int {
	switch err {
	case action.ErrUnauthorized, action.ErrAuthFailed:
		return http.StatusUnauthorized
	case action.ErrNotFound:
		return http.StatusNotFound
	case action.ErrAlreadyExists:
		return http.StatusConflict
	case action.ErrMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(wrt http.ResponseWriter, status int, body any) {
	wrt.Header().Set("Content-Type", "application/json")
	wrt.WriteHeader(status)
	json.NewEncoder(wrt).Encode(body)
}
