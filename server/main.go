/******************************************************************************
 *
 *  Description :
 *    Setup and initialization.
 *
 *****************************************************************************/
package main

import (
	"encoding/json"
	"flag"
	"os"
	"runtime"

	jcr "github.com/tinode/jsonco"

	"github.com/lattice-db/lattice/server/action"
	"github.com/lattice-db/lattice/server/auth"
	"github.com/lattice-db/lattice/server/concurrency"
	"github.com/lattice-db/lattice/server/logs"
	"github.com/lattice-db/lattice/server/store"

	// Backend adapters register themselves on import.
	_ "github.com/lattice-db/lattice/server/db/mysql"
	_ "github.com/lattice-db/lattice/server/db/postgres"
)

type configType struct {
	// Network address to listen on.
	Listen string `json:"listen"`
	// Configuration of the token handler.
	Auth json.RawMessage `json:"auth"`
	// Configuration of the database adapters.
	Store json.RawMessage `json:"store_config"`
	// Configuration of the external script runner.
	Scripts json.RawMessage `json:"scripts"`
	// ID of this instance for the snowflake generator.
	WorkerID uint `json:"worker_id"`
	// Size of the action worker pool, 0 means 2 x CPUs.
	NumWorkers int `json:"num_workers"`
	// Depth of the pending action queue.
	QueueDepth int `json:"queue_depth"`
}

func main() {
	configFile := flag.String("config", "lattice.conf", "Path to config file.")
	listenOn := flag.String("listen", "", "Override the address to listen on.")
	flag.Parse()

	logs.Info.Println("server starting, pid", os.Getpid())

	file, err := os.Open(*configFile)
	if err != nil {
		logs.Error.Fatal("failed to read config file:", err)
	}
	var config configType
	jr := jcr.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Error.Fatalf("unmarshall error in config file in %s at %d:%d (offset %d bytes): %s",
				jerr.Field, lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Error.Fatalf("syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			logs.Error.Fatal("failed to parse config file:", err)
		}
	}
	file.Close()

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = ":6060"
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 2 * runtime.NumCPU()
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 4 * config.NumWorkers
	}

	if err = store.InitIDGenerator(config.WorkerID); err != nil {
		logs.Error.Fatal("failed to init ID generator:", err)
	}

	adapter, err := store.Open(config.Store)
	if err != nil {
		logs.Error.Fatal("failed to open database:", err)
	}
	defer func() {
		store.Close()
		logs.Info.Println("closed database connection(s)")
	}()
	logs.Info.Println("database adapter:", adapter.GetName())
	statsRegisterDbStats(adapter.Stats)

	tokens, err := auth.NewHandler(config.Auth)
	if err != nil {
		logs.Error.Fatal("failed to init auth:", err)
	}

	scripts, err := newScriptRunner(config.Scripts)
	if err != nil {
		logs.Error.Fatal("failed to init script runner:", err)
	}

	pool := concurrency.NewWorkerPool(config.NumWorkers, config.QueueDepth)
	defer pool.Stop()

	exec := action.NewExecutor(pool, adapter, tokens, scripts, tokens.Decode)
	sessions = NewSessionStore()

	if err = listenAndServe(config.Listen, exec, signalHandler()); err != nil {
		logs.Error.Fatal(err)
	}
}
