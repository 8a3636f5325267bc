package action

import (
	"context"

	"github.com/lattice-db/lattice/server/concurrency"
	"github.com/lattice-db/lattice/server/db"
	"github.com/lattice-db/lattice/server/logs"
)

// Response is the terminal outcome of one submitted action.
type Response struct {
	Result *Result
	Err    error
}

// TokenDecoder turns a bearer token into a principal. An invalid or expired
// token resolves to an error; the executor treats that as anonymous and lets
// the gates reject where authentication matters.
type TokenDecoder func(token string) (*Principal, error)

// Executor runs actions on a bounded worker pool against a shared storage
// adapter. One worker runs one action at a time; pool size caps concurrent
// storage transactions.
type Executor struct {
	pool    *concurrency.WorkerPool
	adapter db.Adapter
	tokens  TokenService
	scripts ScriptRunner
	decode  TokenDecoder
}

func NewExecutor(pool *concurrency.WorkerPool, adapter db.Adapter,
	tokens TokenService, scripts ScriptRunner, decode TokenDecoder) *Executor {

	return &Executor{
		pool:    pool,
		adapter: adapter,
		tokens:  tokens,
		scripts: scripts,
		decode:  decode,
	}
}

// Principal resolves a bearer token without running an action. Empty or
// invalid tokens resolve to nil (anonymous).
func (e *Executor) Principal(token string) *Principal {
	if token == "" || e.decode == nil {
		return nil
	}
	user, err := e.decode(token)
	if err != nil {
		logs.Warning.Println("executor: rejected token:", err)
		return nil
	}
	return user
}

// Submit schedules an action and returns a channel delivering its single
// response. The channel is buffered: the caller may abandon it without
// leaking the worker.
func (e *Executor) Submit(ctx context.Context, a Action, token string) <-chan Response {
	resp := make(chan Response, 1)
	user := e.Principal(token)
	scheduled := e.pool.Schedule(func() {
		if err := ctx.Err(); err != nil {
			resp <- Response{Err: err}
			return
		}
		s := &State{
			Ctx:     ctx,
			Conn:    e.adapter,
			Txn:     e.adapter,
			User:    user,
			Tokens:  e.tokens,
			Scripts: e.scripts,
		}
		res, err := a.Call(s)
		resp <- Response{Result: res, Err: err}
	})
	if !scheduled {
		resp <- Response{Err: ErrUnknown}
	}
	return resp
}
