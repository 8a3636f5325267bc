// Stored scripts run out of process: the server ships the script definition
// and the call parameter to a runner service over HTTP and relays the value
// it returns.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	t "github.com/lattice-db/lattice/server/store/types"
)

var errNoScriptRunner = errors.New("script runner is not configured")

type scriptRunnerConfig struct {
	// Base URL of the runner service, e.g. "http://localhost:5000/run".
	Endpoint string `json:"endpoint"`
	// Request timeout in seconds. Default 60.
	Timeout int `json:"timeout"`
}

type scriptRunner struct {
	endpoint string
	client   *http.Client
}

func newScriptRunner(jsonconf json.RawMessage) (*scriptRunner, error) {
	var config scriptRunnerConfig
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("scripts: failed to parse config: " + err.Error())
		}
	}
	if config.Endpoint == "" {
		// Scripts stay storable; running one reports the missing runner.
		return &scriptRunner{}, nil
	}
	if config.Timeout <= 0 {
		config.Timeout = 60
	}
	return &scriptRunner{
		endpoint: config.Endpoint,
		client:   &http.Client{Timeout: time.Duration(config.Timeout) * time.Second},
	}, nil
}

type scriptRunRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	Param      json.RawMessage `json:"param,omitempty"`
}

func (r *scriptRunner) Run(ctx context.Context, script t.Entity, param json.RawMessage) (json.RawMessage, error) {
	if r.endpoint == "" {
		return nil, errNoScriptRunner
	}
	body, err := json.Marshal(scriptRunRequest{
		Name:       script.Name,
		Definition: script.Def,
		Param:      param,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("scripts: runner returned " + resp.Status)
	}
	return json.RawMessage(value), nil
}
