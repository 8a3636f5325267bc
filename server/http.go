/******************************************************************************
 *
 *  Description :
 *    Setup of the HTTP server: routing, request logging, panic recovery,
 *    graceful shutdown.
 *
 *****************************************************************************/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"

	"github.com/lattice-db/lattice/server/action"
	"github.com/lattice-db/lattice/server/logs"
)

const (
	wsPath   = "/v0/ws"
	callPath = "/v0/call/"
)

func listenAndServe(addr string, exec *action.Executor, stop <-chan bool) error {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, serveWebSocket(exec))
	mux.HandleFunc(callPath, serveProcedureCall(exec, callPath))
	// expvar is registered on the default mux.
	mux.Handle("/debug/vars", http.DefaultServeMux)

	server := &http.Server{
		Addr: addr,
		Handler: handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
			handlers.CombinedLoggingHandler(os.Stdout, mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shuttingDown := false
	done := make(chan bool)
	go func() {
		<-stop
		shuttingDown = true

		sessions.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logs.Error.Println("http: failed to terminate gracefully", err)
		}
		done <- true
	}()

	logs.Info.Println("http: listening on", addr)
	err := server.ListenAndServe()
	if shuttingDown && err == http.ErrServerClosed {
		err = nil
	}
	<-done
	return err
}

// signalHandler converts SIGINT/SIGTERM into a shutdown signal.
func signalHandler() <-chan bool {
	stop := make(chan bool)
	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signchan
		logs.Info.Println("received", sig, "- shutting down")
		stop <- true
	}()
	return stop
}
