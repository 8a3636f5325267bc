/******************************************************************************
 *
 *  Description :
 *    Registry of database adapters and the shared numeric ID generator.
 *    Adapters register themselves from their package init(); the server
 *    opens exactly one of them by name at startup.
 *
 *****************************************************************************/
package store

import (
	"encoding/json"
	"errors"

	sf "github.com/tinode/snowflake"

	"github.com/lattice-db/lattice/server/db"
)

var availableAdapters = make(map[string]db.Adapter)

// RegisterAdapter makes a database adapter available by the provided name.
// If RegisterAdapter is called twice with the same name or if the adapter is
// nil, it panics.
func RegisterAdapter(a db.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}
	name := a.GetName()
	if _, dup := availableAdapters[name]; dup {
		panic("store: adapter '" + name + "' is already registered")
	}
	availableAdapters[name] = a
}

var adp db.Adapter

type configType struct {
	// Name of the adapter to use.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// Open initializes the named adapter from the "store_config" section of the
// config file and returns it ready for use.
func Open(jsonconf json.RawMessage) (db.Adapter, error) {
	if adp != nil && adp.IsOpen() {
		return nil, errors.New("store: already opened")
	}

	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("store: failed to parse config: " + err.Error())
	}

	if len(availableAdapters) == 0 {
		return nil, errors.New("store: no adapters registered")
	}
	name := config.UseAdapter
	if name == "" {
		if len(availableAdapters) > 1 {
			return nil, errors.New("store: multiple adapters available, select one in config")
		}
		for n := range availableAdapters {
			name = n
		}
	}
	a, ok := availableAdapters[name]
	if !ok {
		return nil, errors.New("store: unknown adapter '" + name + "'")
	}

	if err := a.Open(config.Adapters[name]); err != nil {
		return nil, err
	}
	if err := a.CheckDbVersion(); err != nil {
		return nil, err
	}
	adp = a
	return adp, nil
}

// Close terminates the connection to the persistent storage.
func Close() error {
	if adp == nil || !adp.IsOpen() {
		return nil
	}
	err := adp.Close()
	adp = nil
	return err
}

// Adapter returns the opened adapter, nil before Open.
func Adapter() db.Adapter {
	return adp
}

var uidGen *sf.SnowFlake

// InitIDGenerator sets up the shared snowflake generator used for numeric
// row IDs. workerID distinguishes server instances sharing a database.
func InitIDGenerator(workerID uint) error {
	gen, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return err
	}
	uidGen = gen
	return nil
}

// NextID returns a cluster-unique int64 ID. InitIDGenerator must have been
// called first.
func NextID() (int64, error) {
	if uidGen == nil {
		return 0, errors.New("store: ID generator is not initialized")
	}
	id, err := uidGen.Next()
	if err != nil {
		return 0, err
	}
	return int64(id), nil
}
