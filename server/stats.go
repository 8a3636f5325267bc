// Runtime statistics, exposed as expvars at /debug/vars.
package main

import "expvar"

var (
	statsLiveSessions      = expvar.NewInt("LiveSessions")
	statsTotalSessions     = expvar.NewInt("TotalSessions")
	statsActionsExecuted   = expvar.NewInt("ActionsExecuted")
	statsMessagesDelivered = expvar.NewInt("MessagesDelivered")
)

func statsInc(v *expvar.Int) {
	v.Add(1)
}

func statsSet(v *expvar.Int, value int64) {
	v.Set(value)
}

func statsRegisterDbStats(stats func() any) {
	expvar.Publish("DbStats", expvar.Func(stats))
}
